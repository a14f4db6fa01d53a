//go:build !sqlite
// +build !sqlite

package history

import (
	"errors"

	"github.com/rs/zerolog"
)

// Built without the `sqlite` tag: the driver is unavailable but configs that
// ask for it should fail loudly rather than silently falling back.
func openSQLite(cfg Config, log zerolog.Logger) (Store, error) {
	return nil, errors.New("history sqlite driver not built in (rebuild with -tags sqlite)")
}
