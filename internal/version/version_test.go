package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
}

func TestInfoString(t *testing.T) {
	info := Info{Version: "v0.3.0", GitSHA: "0123456789abcdef", BuildTime: "2026-10-01", GoVersion: "go1.25.1"}
	assert.Equal(t, "v0.3.0 (0123456, built 2026-10-01, go1.25.1)", info.String())

	info.GitSHA = "abc"
	assert.Equal(t, "v0.3.0 (abc, built 2026-10-01, go1.25.1)", info.String())
}
