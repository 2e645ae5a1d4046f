package kvm

import "fmt"

// ExitType names a KVM_EXIT_* reason from RunData.ExitReason.
type ExitType uint32

func (e ExitType) String() string {
	switch e {
	case EXITUNKNOWN:
		return "EXITUNKNOWN"
	case EXITEXCEPTION:
		return "EXITEXCEPTION"
	case EXITIO:
		return "EXITIO"
	case EXITHYPERCALL:
		return "EXITHYPERCALL"
	case EXITDEBUG:
		return "EXITDEBUG"
	case EXITHLT:
		return "EXITHLT"
	case EXITMMIO:
		return "EXITMMIO"
	case EXITIRQWINDOWOPEN:
		return "EXITIRQWINDOWOPEN"
	case EXITSHUTDOWN:
		return "EXITSHUTDOWN"
	case EXITFAILENTRY:
		return "EXITFAILENTRY"
	case EXITINTR:
		return "EXITINTR"
	case EXITSETTPR:
		return "EXITSETTPR"
	case EXITTPRACCESS:
		return "EXITTPRACCESS"
	case EXITS390SIEIC:
		return "EXITS390SIEIC"
	case EXITS390RESET:
		return "EXITS390RESET"
	case EXITDCR:
		return "EXITDCR"
	case EXITNMI:
		return "EXITNMI"
	case EXITINTERNALERROR:
		return "EXITINTERNALERROR"
	default:
		return fmt.Sprintf("EXIT(%d)", uint32(e))
	}
}

// ErrDebug indicates the vCPU exited for a debug/single-step event.
var ErrDebug = fmt.Errorf("kvm: debug exit")
