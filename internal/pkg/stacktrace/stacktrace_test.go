package stacktrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInternalPaths(t *testing.T) {
	stack := []byte(`goroutine 1 [running]:
main.run(...)
	/home/dev/project/main.go:10 +0x20
github.com/jardiscore/messaging/internal/relay.(*Relay).run(...)
	/home/dev/project/internal/relay/relay.go:88 +0x40
runtime.goexit(...)
	/usr/local/go/src/runtime/asm_amd64.s:1700 +0x1
`)

	paths := InternalPaths(stack)
	assert.Equal(t, []string{"internal/relay/relay.go:88"}, paths)
}

func TestInternalPaths_NoInternalFrames(t *testing.T) {
	assert.Empty(t, InternalPaths([]byte("goroutine 1 [running]:\nmain.main()\n\t/app/main.go:5\n")))
}
