package job

import "maps"

// Type is the kind of work a job carries.
type Type string

const (
	// TypeTimer fires an alarm on a process instance.
	TypeTimer Type = "TIMER"
	// TypeResume resumes a suspended process instance.
	TypeResume Type = "RESUME"
	// TypeInvokeInternal routes an inbound my-role message exchange.
	TypeInvokeInternal Type = "INVOKE_INTERNAL"
	// TypeInvokeResponse delivers a partner response to an instance.
	TypeInvokeResponse Type = "INVOKE_RESPONSE"
	// TypeMatcher consumes a route/message pair found by a correlator.
	TypeMatcher Type = "MATCHER"
	// TypeInvokeCheck supervises the timeout of a partner invocation.
	TypeInvokeCheck Type = "INVOKE_CHECK"
)

// Types lists every job type.
var Types = []Type{
	TypeTimer, TypeResume, TypeInvokeInternal,
	TypeInvokeResponse, TypeMatcher, TypeInvokeCheck,
}

// Valid reports whether t is one of the six job types.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Details is the generic, persisted payload of a job.
type Details struct {
	InstanceID        *int64            `json:"instance_id,omitempty"`
	MexID             string            `json:"mex_id,omitempty"`
	ProcessID         string            `json:"process_id,omitempty"`
	Type              Type              `json:"type"`
	Channel           string            `json:"channel,omitempty"`
	CorrelatorID      string            `json:"correlator_id,omitempty"`
	CorrelationKeySet string            `json:"correlation_key_set,omitempty"`
	RetryCount        int               `json:"retry_count"`
	InMemory          bool              `json:"in_memory"`
	Ext               map[string]string `json:"ext,omitempty"`
}

// Instance returns the instance id, if set.
func (d Details) Instance() (int64, bool) {
	if d.InstanceID == nil {
		return 0, false
	}
	return *d.InstanceID, true
}

// Clone returns a deep copy of d.
func (d Details) Clone() Details {
	out := d
	if d.InstanceID != nil {
		v := *d.InstanceID
		out.InstanceID = &v
	}
	out.Ext = maps.Clone(d.Ext)
	return out
}

// InstanceRef returns a pointer to v for the optional InstanceID field.
func InstanceRef(v int64) *int64 { return &v }

// Info is what the processor receives for each fired job.
type Info struct {
	// JobName is the scheduler-assigned job identifier.
	JobName string
	// RetryCount is the number of failed attempts so far.
	RetryCount int
	// Details is the job payload.
	Details Details
}
