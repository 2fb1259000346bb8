//go:build !linux

package mount

import "errors"

type hostNamespace struct{}

func (hostNamespace) Isolate() error            { return errors.ErrUnsupported }
func (hostNamespace) Bind(string, string) error { return errors.ErrUnsupported }
func (hostNamespace) Detach(string) error       { return errors.ErrUnsupported }
