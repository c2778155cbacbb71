package storage

import "cdr.dev/slog/v3"

var discard = slog.Logger{}
