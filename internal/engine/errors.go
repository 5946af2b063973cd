package engine

import (
	"errors"
	"fmt"
	"time"

	"grovekeeper/internal/domain"
)

// Guard failures are reported synchronously to the requester with no state
// mutation. None are fatal to the process.
var (
	ErrUnknownAsset       = errors.New("unknown asset")
	ErrAssetExists        = errors.New("asset id already exists")
	ErrSuspended          = errors.New("participant is suspended")
	ErrNoAssetSelected    = errors.New("no asset selected")
	ErrReviewInProgress   = errors.New("report already under review")
	ErrNoActionPending    = errors.New("no action awaiting evidence")
	ErrReportNotFound     = errors.New("report not found")
	ErrUnknownParticipant = errors.New("unknown participant")
)

// CooldownError rejects a request made before the asset's next eligible date.
type CooldownError struct {
	Action        domain.ActionKind
	LastPerformed time.Time
	NextEligible  time.Time
}

func (e CooldownError) Error() string {
	return fmt.Sprintf("%s already performed on %s; next eligible %s",
		e.Action, e.LastPerformed.Format(domain.DateLayout), e.NextEligible.Format(domain.DateLayout))
}
