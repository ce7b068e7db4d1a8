package pod

import (
	corev1 "k8s.io/api/core/v1"
)

// Phase tracks a pod through the agent's lifecycle. The internal phases are
// finer grained than corev1.PodPhase; apiPhase collapses them for reporting.
type Phase string

const (
	PhasePending           Phase = "Pending"
	PhaseImagePulling      Phase = "ImagePulling"
	PhaseContainerCreating Phase = "ContainerCreating"
	PhaseRunning           Phase = "Running"
	PhaseSucceeded         Phase = "Succeeded"
	PhaseFailed            Phase = "Failed"
	PhaseTerminating       Phase = "Terminating"
	PhaseDeleted           Phase = "Deleted"
)

var phaseOrder = map[Phase]int{
	PhasePending:           0,
	PhaseImagePulling:      1,
	PhaseContainerCreating: 2,
	PhaseRunning:           3,
	PhaseSucceeded:         4,
	PhaseFailed:            4,
	PhaseTerminating:       5,
	PhaseDeleted:           6,
}

// canAdvance reports whether from -> to is a legal transition. The only
// regression allowed is restart-policy re-entry into ContainerCreating after
// a run finished.
func canAdvance(from, to Phase) bool {
	if to == PhaseContainerCreating && (from == PhaseSucceeded || from == PhaseFailed) {
		return true
	}
	return phaseOrder[to] >= phaseOrder[from]
}

// apiPhase maps an internal phase onto the Kubernetes pod phase. A finished
// run only reports a terminal phase when the restart policy rules out another
// attempt, matching kubelet behavior.
func apiPhase(phase Phase, policy corev1.RestartPolicy) corev1.PodPhase {
	switch phase {
	case PhasePending, PhaseImagePulling, PhaseContainerCreating:
		return corev1.PodPending
	case PhaseRunning:
		return corev1.PodRunning
	case PhaseSucceeded:
		if policy == corev1.RestartPolicyAlways {
			return corev1.PodRunning
		}
		return corev1.PodSucceeded
	case PhaseFailed:
		if policy == corev1.RestartPolicyNever {
			return corev1.PodFailed
		}
		return corev1.PodRunning
	default:
		return corev1.PodFailed
	}
}

// shouldRestart applies the pod restart policy to a finished run.
func shouldRestart(policy corev1.RestartPolicy, failed bool) bool {
	switch policy {
	case corev1.RestartPolicyAlways:
		return true
	case corev1.RestartPolicyOnFailure:
		return failed
	default:
		return false
	}
}
