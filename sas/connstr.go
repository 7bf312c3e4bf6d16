// Package sas implements device credentials of the telemetry hub:
// connection string parsing and shared access signature tokens.
package sas

import (
	"strings"

	"github.com/juju/errors"
)

var ErrInvalidConnectionString = errors.New("invalid connection string")

const (
	keyHostName            = "hostname"
	keyDeviceID            = "deviceid"
	keySharedAccessKeyName = "sharedaccesskeyname"
	keySharedAccessKey     = "sharedaccesskey"
)

// ConnectionString is parsed device credential.
// Empty SharedAccessKeyName means absent.
type ConnectionString struct {
	HostName            string
	DeviceID            string
	SharedAccessKeyName string
	SharedAccessKey     string
}

// Parse accepts `Key1=Value1;Key2=Value2` with keys (case insensitive)
// HostName, DeviceId, SharedAccessKeyName, SharedAccessKey.
// Unknown keys are ignored.
// Valid: HostName+DeviceId+SharedAccessKey or HostName+SharedAccessKeyName+SharedAccessKey.
func Parse(s string) (*ConnectionString, error) {
	cs := &ConnectionString{}
	for _, element := range strings.Split(s, ";") {
		key, value := element, ""
		if i := strings.IndexByte(element, '='); i >= 0 {
			key, value = element[:i], element[i+1:]
		}
		switch strings.ToLower(key) {
		case keyHostName:
			cs.HostName = strings.TrimRight(value, "/")
		case keyDeviceID:
			cs.DeviceID = value
		case keySharedAccessKeyName:
			cs.SharedAccessKeyName = value
		case keySharedAccessKey:
			cs.SharedAccessKey = value
		}
	}
	if err := cs.Validate(); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *ConnectionString) Validate() error {
	if cs.HostName == "" {
		return errors.Annotate(ErrInvalidConnectionString, "HostName empty")
	}
	if cs.SharedAccessKey == "" {
		return errors.Annotate(ErrInvalidConnectionString, "SharedAccessKey empty")
	}
	if cs.DeviceID == "" && cs.SharedAccessKeyName == "" {
		return errors.Annotate(ErrInvalidConnectionString, "DeviceId and SharedAccessKeyName empty")
	}
	return nil
}

// IsDevice reports whether credential identifies a single device,
// as opposed to hub level policy credential.
func (cs *ConnectionString) IsDevice() bool { return cs.DeviceID != "" }

// String renders canonical connection string, Parse(cs.String()) yields same values.
// Contains secret, do not log.
func (cs *ConnectionString) String() string {
	parts := make([]string, 0, 4)
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("HostName", cs.HostName)
	add("DeviceId", cs.DeviceID)
	add("SharedAccessKeyName", cs.SharedAccessKeyName)
	add("SharedAccessKey", cs.SharedAccessKey)
	return strings.Join(parts, ";")
}

// ResourceURI is the token scope for this device.
func (cs *ConnectionString) ResourceURI() string {
	return cs.HostName + "/devices/" + cs.DeviceID
}

// Username is MQTT username expected by hub.
func (cs *ConnectionString) Username() string {
	return cs.HostName + "/" + cs.DeviceID
}
