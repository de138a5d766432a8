package controller

import (
	"sort"
	"time"

	"dropsync/constants"
	"dropsync/metrics"
	"dropsync/networking"
)

// Targeted is a message addressed to one identity, produced by the
// credit controller outside of a request/reply exchange.
type Targeted struct {
	Identity string
	Msg      networking.Message
}

// Controller owns the global credit budget. It is the only cross-upload
// shared state on the server and is mutated solely by the event loop,
// so it needs no locking.
type Controller struct {
	budget    uint32
	minDebt   uint32
	threshold uint32
	probe     time.Duration
	maxProbes int
	idleLimit time.Duration

	debt    uint32
	uploads map[string]*Upload
}

// NewController builds a controller with the given budget and
// watermarks, all counted in whole chunks.
func NewController(budget, minDebt, threshold uint32, probe, idleLimit time.Duration) *Controller {
	if probe <= 0 {
		probe = constants.SERVER_PROBE
	}
	if idleLimit <= 0 {
		idleLimit = constants.SERVER_TIMEOUT
	}
	return &Controller{
		budget:    budget,
		minDebt:   minDebt,
		threshold: threshold,
		probe:     probe,
		maxProbes: constants.SERVER_PROBES,
		idleLimit: idleLimit,
		uploads:   make(map[string]*Upload),
	}
}

// Debt returns the outstanding credit across all uploads.
func (c *Controller) Debt() uint32 {
	return c.debt
}

// Lookup returns the live upload for an identity, if any.
func (c *Controller) Lookup(identity string) (*Upload, bool) {
	u, ok := c.uploads[identity]
	return u, ok
}

// InitialCredit picks the credit for a freshly approved upload. With no
// budget left the upload starts quiescent at zero and is topped up by a
// later distribution pass.
func (c *Controller) InitialCredit(maxqueue uint32) uint32 {
	if c.debt >= c.budget {
		return 0
	}
	credit := c.budget - c.debt
	if credit > maxqueue {
		credit = maxqueue
	}
	return credit
}

// Register adds an approved upload and books its initial credit.
func (c *Controller) Register(u *Upload) {
	c.uploads[u.Identity] = u
	c.debt += u.Credit
	metrics.ActiveUploads.Set(float64(len(c.uploads)))
	metrics.CreditOutstanding.Set(float64(c.debt))
}

// Apply books the outcome of one handled message: returned credit flows
// back to the pool and finished uploads are dropped.
func (c *Controller) Apply(u *Upload, res Result) {
	if res.ReturnedCredit > c.debt {
		c.debt = 0
	} else {
		c.debt -= res.ReturnedCredit
	}
	if res.Finished {
		delete(c.uploads, u.Identity)
	}
	metrics.ActiveUploads.Set(float64(len(c.uploads)))
	metrics.CreditOutstanding.Set(float64(c.debt))
}

// NeedsDistribution reports whether debt sank below the low watermark.
func (c *Controller) NeedsDistribution() bool {
	return c.debt < c.minDebt && len(c.uploads) > 0
}

// Distribute hands freed budget to uploads with capacity. Starved
// uploads first: lowest credit/maxqueue ratio, ties broken by the
// oldest activity.
func (c *Controller) Distribute() []Targeted {
	candidates := make([]*Upload, 0, len(c.uploads))
	for _, u := range c.uploads {
		if u.State == Writing {
			candidates = append(candidates, u)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri := float64(candidates[i].Credit) / float64(candidates[i].Maxqueue)
		rj := float64(candidates[j].Credit) / float64(candidates[j].Maxqueue)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].LastActivity.Before(candidates[j].LastActivity)
	})

	var out []Targeted
	for _, u := range candidates {
		if c.debt >= c.budget {
			break
		}
		granted, msg := u.OfferCredit(c.budget-c.debt, c.threshold)
		if granted > 0 {
			c.debt += granted
			out = append(out, Targeted{Identity: u.Identity, Msg: msg})
		}
	}
	metrics.CreditOutstanding.Set(float64(c.debt))
	return out
}

// CheckTimeouts probes silent uploads and aborts the unresponsive.
// A probe reports the authoritative position with zero credit; a live
// client answers it and resets the strike count.
func (c *Controller) CheckTimeouts(now time.Time) []Targeted {
	var out []Targeted
	var expired []*Upload
	for _, u := range c.uploads {
		idle := u.SecondsIdle(now)
		// Probes are spaced one probe interval apart.
		if idle < c.probe*time.Duration(u.Probes+1) {
			continue
		}
		if u.Probes >= c.maxProbes || idle > c.idleLimit {
			expired = append(expired, u)
			continue
		}
		u.Probes++
		out = append(out, Targeted{
			Identity: u.Identity,
			Msg:      networking.StatusReport{Seek: u.WriteOffset(), Credit: 0},
		})
	}
	for _, u := range expired {
		res := u.Cancel(networking.CodeTimeout, "upload timed out")
		for _, reply := range res.Replies {
			out = append(out, Targeted{Identity: u.Identity, Msg: reply})
		}
		c.Apply(u, res)
	}
	return out
}

// Shutdown cancels every live upload, typically at server exit.
func (c *Controller) Shutdown() []Targeted {
	var out []Targeted
	for _, u := range c.uploads {
		res := u.Cancel(networking.CodeNoCapacity, "server shutting down")
		for _, reply := range res.Replies {
			out = append(out, Targeted{Identity: u.Identity, Msg: reply})
		}
		c.Apply(u, res)
	}
	return out
}
