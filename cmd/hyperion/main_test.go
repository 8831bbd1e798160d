package main

import (
	"testing"
)

func TestVersionInfo(t *testing.T) {
	if version == "" {
		t.Error("version should not be empty")
	}
}
