package esim

import (
	"strings"
	"time"

	"github.com/simdesk/server/internal/module/provider"
)

const providerActivated = provider.StatusActivated

// ProviderStatus is the subset of a provider report used to detect activation.
type ProviderStatus struct {
	Status           string
	InstallationTime *time.Time
	ActivateTime     *time.Time
	UsageBytes       *int64
}

// IsEsimActivated reports whether the provider report shows the profile in use.
// Providers report activation inconsistently, so several signals are accepted.
func IsEsimActivated(ps ProviderStatus) bool {
	status := strings.ToUpper(strings.TrimSpace(ps.Status))

	switch status {
	case provider.StatusOnboard, provider.StatusActivated, provider.StatusInUse:
		return true
	}
	if ps.InstallationTime != nil && (status == provider.StatusGotResource || status == provider.StatusCreated) {
		return true
	}
	if ps.ActivateTime != nil {
		return true
	}
	if (status == provider.StatusEnabled || status == provider.StatusActivated) && ps.UsageBytes != nil && *ps.UsageBytes > 0 {
		return true
	}
	return false
}

// DeriveStatus compares the local status with the provider's report and returns
// the status the record should have. The bool is false when no change is needed.
func DeriveStatus(local Status, res *provider.StatusResult) (Status, bool) {
	if res == nil {
		return local, false
	}
	ps := strings.ToUpper(res.Status)

	switch {
	case ps == provider.StatusCancel && local != StatusCancelled:
		return StatusCancelled, true
	case local == StatusCancelled:
		return local, false
	case ps == provider.StatusOnboard && local == StatusWaitingForActivation:
		return StatusActivated, true
	case local == StatusPending && (ps == provider.StatusOnboard || res.HasQRCode()):
		return StatusWaitingForActivation, true
	case ps == provider.StatusUsedUp && local.InUse():
		return StatusDepleted, true
	case (ps == provider.StatusUsedExpired || ps == provider.StatusExpired) && local.InUse():
		return StatusExpired, true
	}
	return local, false
}
