package heat

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput is returned by Rescale when there are no points to scale
	ErrEmptyInput = errors.New("rescale: empty input")

	// ErrEmptyDataset is returned by Render when the selected dataset has no points
	ErrEmptyDataset = errors.New("render: dataset is empty")

	// ErrNoSelection is returned when rendering or refreshing before any dataset is selected
	ErrNoSelection = errors.New("no dataset selected")
)

// FetchError wraps a failure of the dataset source
type FetchError struct {
	Dataset string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch dataset %s: %v", e.Dataset, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// InvalidRecordError describes a raw record excluded by the normalizer
type InvalidRecordError struct {
	Index  int
	Reason string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("record %d: %s", e.Index, e.Reason)
}
