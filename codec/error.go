package codec

import "fmt"

// Error is the decoded form of an error value. Name and Message are always
// present on the wire; Cause is any value, usually another *Error.
type Error struct {
	Name    string
	Message string
	Cause   any
	Props   map[string]any
}

func (e *Error) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Unwrap returns the cause when it is itself an error.
func (e *Error) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}

func (e *Error) fields() map[string]any {
	m := make(map[string]any, len(e.Props)+3)
	for k, v := range e.Props {
		m[k] = v
	}
	name := e.Name
	if name == "" {
		name = "Error"
	}
	m["name"] = name
	m["message"] = e.Message
	if e.Cause != nil {
		m["cause"] = e.Cause
	} else {
		delete(m, "cause")
	}
	return m
}

// errorName lets Go errors choose their wire name by implementing
// ErrorName() string.
func errorName(err error) string {
	if n, ok := err.(interface{ ErrorName() string }); ok {
		return n.ErrorName()
	}
	return "Error"
}

func errorFromFields(m map[string]any) *Error {
	e := &Error{}
	for k, v := range m {
		switch k {
		case "name":
			if s, ok := v.(string); ok {
				e.Name = s
				continue
			}
		case "message":
			if s, ok := v.(string); ok {
				e.Message = s
				continue
			}
		case "cause":
			e.Cause = v
			continue
		}
		if e.Props == nil {
			e.Props = map[string]any{}
		}
		e.Props[k] = v
	}
	return e
}

// Errorf builds an *Error with the given name.
func Errorf(name, format string, args ...any) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}
