package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestPGErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"terminated backend", &pgconn.PgError{Code: "57P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"network", errors.New("read tcp: connection reset by peer"), true},
		{"canceled", context.Canceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := pgError("op", tc.err)
			assert.Equal(t, tc.transient, errors.Is(err, ErrTransient))
			assert.ErrorIs(t, err, tc.err)
		})
	}
}
