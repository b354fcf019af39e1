package vm

import (
	"fmt"

	"github.com/daimatz/gostack/pkg/dex"
	"github.com/daimatz/gostack/pkg/heap"
)

// Exception class descriptors raised by the stack model.
const (
	IllegalMonitorStateException = "Ljava/lang/IllegalMonitorStateException;"
)

// Throwable represents a managed exception pending on a thread.
type Throwable struct {
	Descriptor string
	Message    string
	Object     heap.Ref
}

func (e *Throwable) Error() string {
	name := dex.PrettyDescriptor(e.Descriptor)
	if e.Message == "" {
		return name
	}
	return fmt.Sprintf("%s: %s", name, e.Message)
}

// NewThrowable allocates the exception object on h and returns the throwable.
func NewThrowable(h *heap.Heap, descriptor, msg string) *Throwable {
	return &Throwable{
		Descriptor: descriptor,
		Message:    msg,
		Object:     h.Allocate(descriptor),
	}
}
