package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShutdownExitCode(t *testing.T) {
	assert.Equal(t, 0, shutdownExitCode(false), "operator-initiated shutdown is clean")
	assert.Equal(t, 1, shutdownExitCode(true), "watchdog-forced shutdown fails the process")
}
