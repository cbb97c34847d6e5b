package mongostore

import (
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/mongo"
)

func duplicateKey() error {
	return mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000 duplicate key error"}}}
}

func TestRetryLostUpsert(t *testing.T) {
	other := errors.New("connection reset")
	tests := []struct {
		name    string
		results []error
		calls   int
		dup     bool
		err     error
	}{
		{name: "first write wins", results: []error{nil}, calls: 1},
		{name: "lost insert race then matched", results: []error{duplicateKey(), nil}, calls: 2},
		{name: "bucket full", results: []error{duplicateKey(), duplicateKey()}, calls: 2, dup: true},
		{name: "other errors are not retried", results: []error{other}, calls: 1, err: other},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryLostUpsert(func() error {
				e := tc.results[calls]
				calls++
				return e
			})
			if calls != tc.calls {
				t.Fatalf("calls = %d, want %d", calls, tc.calls)
			}
			if got := mongo.IsDuplicateKeyError(err); got != tc.dup {
				t.Fatalf("duplicate = %v, want %v (err %v)", got, tc.dup, err)
			}
			if tc.err != nil && !errors.Is(err, tc.err) {
				t.Fatalf("err = %v, want %v", err, tc.err)
			}
			if !tc.dup && tc.err == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}
