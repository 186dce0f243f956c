package wire

// Operation represents a device management operation.
type Operation uint8

const (
	// OpRegister announces a device to the server.
	// Direction: device to server
	OpRegister Operation = 1

	// OpUpdate refreshes lifetime, links or address of a registration.
	// Direction: device to server
	OpUpdate Operation = 2

	// OpDeregister removes a registration.
	// Direction: device to server
	OpDeregister Operation = 3

	// OpBootstrapRequest asks the bootstrap server for configuration.
	// Direction: device to server
	OpBootstrapRequest Operation = 4

	// OpRead gets the current value of an object, instance or resource.
	OpRead Operation = 10

	// OpDiscover lists the attributes and resources below a path.
	OpDiscover Operation = 11

	// OpWriteReplace replaces the target with the payload.
	OpWriteReplace Operation = 12

	// OpWriteUpdate merges the payload into the target (partial update).
	OpWriteUpdate Operation = 13

	// OpCreate creates a new object instance.
	OpCreate Operation = 14

	// OpDelete deletes an object instance.
	OpDelete Operation = 15

	// OpExecute triggers an executable resource.
	OpExecute Operation = 16

	// OpObserve starts an observation; the response carries the current value.
	OpObserve Operation = 17

	// OpCancelObserve actively cancels an observation; the response carries
	// a final read of the resource.
	OpCancelObserve Operation = 18

	// OpBootstrapWrite writes a bootstrap configuration instance.
	OpBootstrapWrite Operation = 20

	// OpBootstrapDelete deletes instances before provisioning.
	OpBootstrapDelete Operation = 21

	// OpBootstrapFinish ends a bootstrap session.
	OpBootstrapFinish Operation = 22
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpRegister:
		return "Register"
	case OpUpdate:
		return "Update"
	case OpDeregister:
		return "Deregister"
	case OpBootstrapRequest:
		return "BootstrapRequest"
	case OpRead:
		return "Read"
	case OpDiscover:
		return "Discover"
	case OpWriteReplace:
		return "WriteReplace"
	case OpWriteUpdate:
		return "WriteUpdate"
	case OpCreate:
		return "Create"
	case OpDelete:
		return "Delete"
	case OpExecute:
		return "Execute"
	case OpObserve:
		return "Observe"
	case OpCancelObserve:
		return "CancelObserve"
	case OpBootstrapWrite:
		return "BootstrapWrite"
	case OpBootstrapDelete:
		return "BootstrapDelete"
	case OpBootstrapFinish:
		return "BootstrapFinish"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the operation is known.
func (o Operation) IsValid() bool {
	return o.String() != "Unknown"
}

// IsUplink returns true for operations initiated by the device.
func (o Operation) IsUplink() bool {
	return o >= OpRegister && o <= OpBootstrapRequest
}

// IsDownlink returns true for operations initiated by the server.
func (o Operation) IsDownlink() bool {
	return o.IsValid() && !o.IsUplink()
}
