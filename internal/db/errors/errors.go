package errors

import (
	"errors"
	"fmt"
)

// EntryNotFound is returned when a lookup by key matches no row.
type EntryNotFound struct {
	Table string
	Key   interface{}
}

func NewEntryNotFound(table string, key interface{}) error {
	return &EntryNotFound{Table: table, Key: key}
}

func (e *EntryNotFound) Error() string {
	return fmt.Sprintf("%s: no entry with key %v", e.Table, e.Key)
}

func IsEntryNotFound(err error) bool {
	var e *EntryNotFound
	return errors.As(err, &e)
}
