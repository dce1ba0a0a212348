// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/identity/associations"
	assocapi "github.com/element-hq/identity/associations/api"
	assocstorage "github.com/element-hq/identity/associations/storage"
	"github.com/element-hq/identity/replication/api"
	"github.com/element-hq/identity/replication/storage"
	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/setup/process"
)

func init() {
	prometheus.MustRegister(
		pushesTotal, pushFailures, pushesSkipped, associationsPushed,
	)
}

var pushesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "identity",
		Subsystem: "replication",
		Name:      "pushes_total",
		Help:      "Number of push requests made to peers",
	},
)

var pushFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "identity",
		Subsystem: "replication",
		Name:      "push_failures_total",
		Help:      "Number of failed push requests, by peer",
	},
	[]string{"peer"},
)

var pushesSkipped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "identity",
		Subsystem: "replication",
		Name:      "pushes_skipped_total",
		Help:      "Number of scheduled pushes skipped because a push was already in progress",
	},
)

var associationsPushed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "identity",
		Subsystem: "replication",
		Name:      "associations_pushed_total",
		Help:      "Number of associations acknowledged, by peer",
	},
	[]string{"peer"},
)

// Pusher replicates local associations to peers, and copies them into the
// global store of this server.
type Pusher struct {
	process    *process.ProcessContext
	cfg        *config.Replication
	serverName spec.ServerName
	assocDB    assocstorage.Database
	peerDB     storage.Database
	signer     *associations.Signer
	client     api.PeerClient
	pushing    atomic.Bool // is a push to peers in progress?
	localMutex sync.Mutex  // serialises PushLocal
}

func NewPusher(
	process *process.ProcessContext,
	cfg *config.Replication,
	assocDB assocstorage.Database,
	peerDB storage.Database,
	signer *associations.Signer,
	client api.PeerClient,
) *Pusher {
	return &Pusher{
		process:    process,
		cfg:        cfg,
		serverName: signer.ServerName,
		assocDB:    assocDB,
		peerDB:     peerDB,
		signer:     signer,
		client:     client,
	}
}

// Start runs the push scheduler until the process shuts down.
func (p *Pusher) Start() {
	p.process.ComponentStarted()
	go p.run()
}

func (p *Pusher) run() {
	defer p.process.ComponentFinished()
	ctx := p.process.Context()
	ticker := time.NewTicker(p.cfg.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.PushLocal(ctx); err != nil {
				logrus.WithError(err).Error("Failed to copy local associations into the global store")
				p.process.Degraded(err)
			}
			p.ScheduledPush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ScheduledPush pushes to peers until no peer has a backlog or a push fails.
// If a push is already in progress it returns false straight away.
func (p *Pusher) ScheduledPush(ctx context.Context) bool {
	if !p.pushing.CompareAndSwap(false, true) {
		pushesSkipped.Inc()
		return false
	}
	defer p.pushing.Store(false)

	// Each successful push is followed by another, which carries on with
	// the same peer or moves on to the next one with a backlog.
	for {
		pushed, err := p.pushOnce(ctx)
		if err != nil {
			logrus.WithError(err).Warn("Failed to push associations")
			return true
		}
		if !pushed {
			return true
		}
	}
}

// pushOnce sends one batch to the first peer, in server name order, which
// has associations it hasn't acknowledged. It returns false if there was
// nothing to send.
func (p *Pusher) pushOnce(ctx context.Context) (bool, error) {
	peers, err := p.peerDB.GetPeers(ctx)
	if err != nil {
		return false, fmt.Errorf("p.peerDB.GetPeers: %w", err)
	}
	for i := range peers {
		peer := &peers[i]
		if peer.ServerName == p.serverName {
			continue
		}
		backlog, err := p.assocDB.GetLocalAssociationsAfter(ctx, peer.LastSentVersion, p.cfg.BatchSize)
		if err != nil {
			return false, fmt.Errorf("p.assocDB.GetLocalAssociationsAfter: %w", err)
		}
		if len(backlog) == 0 {
			continue
		}

		signed := make(map[int64]json.RawMessage, len(backlog))
		var highest int64
		for j := range backlog {
			if signed[backlog[j].LocalID], err = p.signer.SignAssociation(&backlog[j].ThreepidAssociation); err != nil {
				return false, err
			}
			if backlog[j].LocalID > highest {
				highest = backlog[j].LocalID
			}
		}

		logger := logrus.WithFields(logrus.Fields{
			"peer":  peer.ServerName,
			"count": len(backlog),
			"from":  peer.LastSentVersion,
			"to":    highest,
		})
		logger.Debug("Pushing associations")
		pushesTotal.Inc()
		pushCtx, cancel := context.WithTimeout(ctx, p.cfg.PushTimeout)
		err = p.client.Push(pushCtx, peer, signed)
		cancel()
		if err != nil {
			pushFailures.WithLabelValues(string(peer.ServerName)).Inc()
			return false, fmt.Errorf("push to %q: %w", peer.ServerName, err)
		}

		if err = p.peerDB.SetLastSentVersion(ctx, peer.ServerName, highest, spec.AsTimestamp(time.Now())); err != nil {
			// The peer will get this batch again, which it ignores.
			p.process.Degraded(err)
			return false, fmt.Errorf("p.peerDB.SetLastSentVersion: %w", err)
		}
		associationsPushed.WithLabelValues(string(peer.ServerName)).Add(float64(len(backlog)))
		logger.Info("Pushed associations")
		return true, nil
	}
	return false, nil
}

// PushLocal signs every local association not yet in the global store and
// stores it there.
func (p *Pusher) PushLocal(ctx context.Context) error {
	p.localMutex.Lock()
	defer p.localMutex.Unlock()
	for {
		lastID, err := p.assocDB.LastIDFromServer(ctx, p.serverName)
		if err != nil {
			return fmt.Errorf("p.assocDB.LastIDFromServer: %w", err)
		}
		backlog, err := p.assocDB.GetLocalAssociationsAfter(ctx, lastID, p.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("p.assocDB.GetLocalAssociationsAfter: %w", err)
		}
		if len(backlog) == 0 {
			return nil
		}
		globals := make([]assocapi.GlobalAssociation, 0, len(backlog))
		for i := range backlog {
			signed, err := p.signer.SignAssociation(&backlog[i].ThreepidAssociation)
			if err != nil {
				return err
			}
			globals = append(globals, assocapi.GlobalAssociation{
				ThreepidAssociation: backlog[i].ThreepidAssociation,
				OriginServer:        p.serverName,
				OriginID:            backlog[i].LocalID,
				SignedJSON:          signed,
			})
		}
		if err = p.assocDB.StoreGlobalAssociations(ctx, globals); err != nil {
			return fmt.Errorf("p.assocDB.StoreGlobalAssociations: %w", err)
		}
		if len(backlog) < p.cfg.BatchSize {
			return nil
		}
	}
}
