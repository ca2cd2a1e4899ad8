package capture

import (
	"errors"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrAlreadyDelivered = errors.New("capture: outcome already delivered")

// Outcome is the terminal result of one request: a file path, or an error
// code with a message.
type Outcome struct {
	RequestID string `json:"-"`
	FilePath  string `json:"filePath,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (o Outcome) OK() bool {
	return o.ErrorCode == ""
}

func success(requestID, path string) Outcome {
	return Outcome{RequestID: requestID, FilePath: path}
}

func failure(requestID string, err error) Outcome {
	kind := KindOf(err)
	return Outcome{RequestID: requestID, ErrorCode: kind.Code(), Message: err.Error()}
}

// Reporter hands exactly one Outcome to its sink.
type Reporter struct {
	sink      func(Outcome)
	delivered atomic.Bool
	logger    *zap.SugaredLogger
}

func NewReporter(logger *zap.SugaredLogger, sink func(Outcome)) *Reporter {
	return &Reporter{sink: sink, logger: logger}
}

func (r *Reporter) Deliver(o Outcome) error {
	if !r.delivered.CompareAndSwap(false, true) {
		r.logger.Errorf("capture %s: dropping second outcome %+v", o.RequestID, o)
		return ErrAlreadyDelivered
	}
	r.sink(o)
	return nil
}

func (r *Reporter) Delivered() bool {
	return r.delivered.Load()
}
