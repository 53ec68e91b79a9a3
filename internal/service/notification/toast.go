package notification

import (
	"time"

	"github.com/jwalitptl/notify-sync/pkg/logger"
)

type ToastLevel string

const (
	ToastInfo    ToastLevel = "info"
	ToastSuccess ToastLevel = "success"
	ToastError   ToastLevel = "error"
)

// Toast is a short, non-blocking message for the user.
type Toast struct {
	Level   ToastLevel `json:"level"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// Toaster surfaces user facing messages. Implementations must not block.
type Toaster interface {
	Info(msg string)
	Success(msg string)
	Error(msg string)
}

// LogToaster writes toasts to the log.
type LogToaster struct {
	logger *logger.Logger
}

func NewLogToaster(l *logger.Logger) *LogToaster {
	if l == nil {
		l = logger.Nop()
	}
	return &LogToaster{logger: l}
}

func (t *LogToaster) Info(msg string)    { t.logger.Info(msg, "toast", string(ToastInfo)) }
func (t *LogToaster) Success(msg string) { t.logger.Info(msg, "toast", string(ToastSuccess)) }
func (t *LogToaster) Error(msg string)   { t.logger.Warn(msg, "toast", string(ToastError)) }

// ChanToaster buffers toasts for a consumer such as the local HTTP
// binding. When the buffer is full the oldest toast is dropped.
type ChanToaster struct {
	ch  chan Toast
	now func() time.Time
}

func NewChanToaster(size int) *ChanToaster {
	if size <= 0 {
		size = 32
	}
	return &ChanToaster{ch: make(chan Toast, size), now: time.Now}
}

func (t *ChanToaster) Info(msg string)    { t.push(ToastInfo, msg) }
func (t *ChanToaster) Success(msg string) { t.push(ToastSuccess, msg) }
func (t *ChanToaster) Error(msg string)   { t.push(ToastError, msg) }

func (t *ChanToaster) push(level ToastLevel, msg string) {
	toast := Toast{Level: level, Message: msg, At: t.now()}
	for {
		select {
		case t.ch <- toast:
			return
		default:
		}
		select {
		case <-t.ch:
		default:
		}
	}
}

// C exposes the toast stream.
func (t *ChanToaster) C() <-chan Toast {
	return t.ch
}

// Drain returns every pending toast without waiting.
func (t *ChanToaster) Drain() []Toast {
	out := []Toast{}
	for {
		select {
		case toast := <-t.ch:
			out = append(out, toast)
		default:
			return out
		}
	}
}

type multiToaster []Toaster

// MultiToaster fans each toast out to all of ts.
func MultiToaster(ts ...Toaster) Toaster {
	return multiToaster(ts)
}

func (m multiToaster) Info(msg string) {
	for _, t := range m {
		t.Info(msg)
	}
}

func (m multiToaster) Success(msg string) {
	for _, t := range m {
		t.Success(msg)
	}
}

func (m multiToaster) Error(msg string) {
	for _, t := range m {
		t.Error(msg)
	}
}
