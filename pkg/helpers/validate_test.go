package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type sample struct {
	Name string `yaml:"name" validate:"required"`
}

func TestCheckSimple(t *testing.T) {
	assert.NoError(t, CheckSimple(&sample{Name: "x"}))

	err := CheckSimple(&sample{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}
