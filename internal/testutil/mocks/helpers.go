package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
)

// Match wraps a typed predicate as a mock argument matcher
func Match[T any](fn func(T) bool) interface{} {
	return mock.MatchedBy(fn)
}

// Phone matches a PhoneNumber equal to the normalized form of raw
func Phone(raw string) interface{} {
	want := values.MustNewPhoneNumber(raw)
	return Match(func(p values.PhoneNumber) bool { return p.Equal(want) })
}
