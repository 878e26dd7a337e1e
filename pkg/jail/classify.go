package jail

import "github.com/ahaops/sandboxd/pkg/domain"

// Known termination codes. The limit subsystem reaps an over-memory child
// through the positive 128+SIGKILL convention, while a host-side SIGKILL to
// the jail shell surfaces as the negative signal convention. The two paths
// are distinguishable in practice and existing callers rely on the split;
// do not invert it.
const (
	exitOOMKill     = 137
	exitHostSigkill = -9
)

// Classify maps raw termination data to a status. It is a pure total
// function of the termination channel plus the outer-supervisor flag; it
// never consults stdout or stderr.
func Classify(raw domain.RawResult) domain.Status {
	switch {
	case raw.OuterTimeout:
		return domain.StatusTimeout
	case raw.ExitCode == 0:
		return domain.StatusSuccess
	case raw.ExitCode == exitOOMKill:
		return domain.StatusOOM
	case raw.ExitCode == exitHostSigkill:
		return domain.StatusTimeout
	default:
		return domain.StatusError
	}
}
