package models

// ResultStatus is the state of an asynchronous operation.
type ResultStatus string

const (
	ResultLoading ResultStatus = "loading"
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// Result carries the outcome of a user-triggered operation.
type Result[T any] struct {
	Status ResultStatus `json:"status"`
	Data   T            `json:"data,omitempty"`
	Err    error        `json:"-"`
}

// LoadingResult marks an operation as in flight.
func LoadingResult[T any]() Result[T] {
	return Result[T]{Status: ResultLoading}
}

// SuccessResult wraps a value.
func SuccessResult[T any](data T) Result[T] {
	return Result[T]{Status: ResultSuccess, Data: data}
}

// ErrorResult wraps a failure. Data may still hold partial output.
func ErrorResult[T any](err error, data T) Result[T] {
	return Result[T]{Status: ResultError, Data: data, Err: err}
}

// IsLoading reports whether the operation is still running.
func (r Result[T]) IsLoading() bool { return r.Status == ResultLoading }

// IsSuccess reports whether the operation succeeded.
func (r Result[T]) IsSuccess() bool { return r.Status == ResultSuccess }

// IsError reports whether the operation failed.
func (r Result[T]) IsError() bool { return r.Status == ResultError }

// Unwrap returns the value and error as a plain pair.
func (r Result[T]) Unwrap() (T, error) {
	return r.Data, r.Err
}
