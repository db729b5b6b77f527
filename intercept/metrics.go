// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package intercept

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xmppd",
		Subsystem: "intercept",
		Name:      "rejections_total",
		Help:      "Stanzas vetoed by an interceptor before processing.",
	}, []string{"kind"})

	copiesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xmppd",
		Subsystem: "intercept",
		Name:      "copies_enqueued_total",
		Help:      "Stanza snapshots accepted into the audit queue.",
	})

	copiesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xmppd",
		Subsystem: "intercept",
		Name:      "copies_dropped_total",
		Help:      "Stanza snapshots dropped because the audit queue was full.",
	})

	copiesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xmppd",
		Subsystem: "intercept",
		Name:      "copies_delivered_total",
		Help:      "Audit notifications routed to subscribers.",
	})
)
