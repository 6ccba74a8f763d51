package job

import (
	"errors"
	"fmt"

	"github.com/xraph/choreo/correlation"
)

// ErrInvalidDetails is returned when Details lack the fields their type
// requires.
var ErrInvalidDetails = errors.New("job: invalid details")

// Kind is the decoded form of Details. It is one of Timer, Resume,
// InvokeInternal, InvokeResponse, Matcher or InvokeCheck.
type Kind interface {
	Type() Type
	details() Details
}

// Timer fires an alarm on a waiting instance.
type Timer struct {
	Process  string
	Instance int64
	Channel  string
}

// Resume resumes a suspended instance.
type Resume struct {
	Process  string
	Instance int64
}

// InvokeInternal routes an inbound message exchange through correlation.
// Instance is set when the target instance is already known.
type InvokeInternal struct {
	Process  string
	Mex      string
	Instance *int64
}

// InvokeResponse delivers a partner response to the instance that made
// the invocation.
type InvokeResponse struct {
	Process  string
	Mex      string
	Instance int64
	Channel  string
}

// Matcher consumes a queued message for a route on one correlator.
type Matcher struct {
	Process    string
	Correlator string
	Keys       correlation.KeySet
}

// InvokeCheck fails a partner invocation that got no answer in time.
type InvokeCheck struct {
	Process  string
	Mex      string
	Instance *int64
}

func (Timer) Type() Type          { return TypeTimer }
func (Resume) Type() Type         { return TypeResume }
func (InvokeInternal) Type() Type { return TypeInvokeInternal }
func (InvokeResponse) Type() Type { return TypeInvokeResponse }
func (Matcher) Type() Type        { return TypeMatcher }
func (InvokeCheck) Type() Type    { return TypeInvokeCheck }

func (k Timer) details() Details {
	return Details{Type: TypeTimer, ProcessID: k.Process, InstanceID: InstanceRef(k.Instance), Channel: k.Channel}
}

func (k Resume) details() Details {
	return Details{Type: TypeResume, ProcessID: k.Process, InstanceID: InstanceRef(k.Instance)}
}

func (k InvokeInternal) details() Details {
	return Details{Type: TypeInvokeInternal, ProcessID: k.Process, MexID: k.Mex, InstanceID: copyRef(k.Instance)}
}

func (k InvokeResponse) details() Details {
	return Details{
		Type: TypeInvokeResponse, ProcessID: k.Process, MexID: k.Mex,
		InstanceID: InstanceRef(k.Instance), Channel: k.Channel,
	}
}

func (k Matcher) details() Details {
	return Details{
		Type: TypeMatcher, ProcessID: k.Process, CorrelatorID: k.Correlator,
		CorrelationKeySet: k.Keys.String(),
	}
}

func (k InvokeCheck) details() Details {
	return Details{Type: TypeInvokeCheck, ProcessID: k.Process, MexID: k.Mex, InstanceID: copyRef(k.Instance)}
}

// Encode converts a Kind into its generic Details.
func Encode(k Kind) Details {
	return k.details()
}

// Decode converts Details into the variant named by their Type, checking
// that every field the variant needs is present.
func Decode(d Details) (Kind, error) {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s job without %s", ErrInvalidDetails, d.Type, field)
	}

	switch d.Type {
	case TypeTimer:
		inst, ok := d.Instance()
		if !ok {
			return nil, missing("instance id")
		}
		return Timer{Process: d.ProcessID, Instance: inst, Channel: d.Channel}, nil

	case TypeResume:
		inst, ok := d.Instance()
		if !ok {
			return nil, missing("instance id")
		}
		return Resume{Process: d.ProcessID, Instance: inst}, nil

	case TypeInvokeInternal:
		if d.MexID == "" {
			return nil, missing("mex id")
		}
		return InvokeInternal{Process: d.ProcessID, Mex: d.MexID, Instance: copyRef(d.InstanceID)}, nil

	case TypeInvokeResponse:
		if d.MexID == "" {
			return nil, missing("mex id")
		}
		inst, ok := d.Instance()
		if !ok {
			return nil, missing("instance id")
		}
		return InvokeResponse{Process: d.ProcessID, Mex: d.MexID, Instance: inst, Channel: d.Channel}, nil

	case TypeMatcher:
		if d.CorrelatorID == "" {
			return nil, missing("correlator id")
		}
		if d.ProcessID == "" {
			return nil, missing("process id")
		}
		keys, err := correlation.ParseKeySet(d.CorrelationKeySet)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDetails, err)
		}
		return Matcher{Process: d.ProcessID, Correlator: d.CorrelatorID, Keys: keys}, nil

	case TypeInvokeCheck:
		if d.MexID == "" {
			return nil, missing("mex id")
		}
		return InvokeCheck{Process: d.ProcessID, Mex: d.MexID, Instance: copyRef(d.InstanceID)}, nil
	}

	return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidDetails, d.Type)
}

func copyRef(v *int64) *int64 {
	if v == nil {
		return nil
	}
	return InstanceRef(*v)
}
