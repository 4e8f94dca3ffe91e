package alerr

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKindAndCause(t *testing.T) {
	err := Wrap(ErrNotFound, "load index", 3, fs.ErrNotExist)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.NotErrorIs(t, err, ErrConfiguration)
}

func TestError_MessageCarriesContext(t *testing.T) {
	err := New(ErrUnsupportedStrategy, "select", 2, "unknown name %q", "Bogus").WithStrategy("Bogus")

	assert.Equal(t, `select: unsupported strategy (iteration 2, strategy Bogus): unknown name "Bogus"`, err.Error())
}

func TestError_NoIteration(t *testing.T) {
	err := New(ErrInvalidArgument, "budget", -1, "")
	assert.Equal(t, "budget: invalid argument", err.Error())
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestKindOf(t *testing.T) {
	wrapped := errors.Join(errors.New("outer"), Wrap(ErrTrainingFailure, "train", 1, errors.New("oom")))
	assert.Equal(t, ErrTrainingFailure, KindOf(wrapped))
	assert.Nil(t, KindOf(errors.New("plain")))
}
