// Copyright 2024 driftflow Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package mailbox

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	mailsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "driftflow",
			Subsystem: "mailbox",
			Name:      "mails_processed_total",
			Help:      "Total mails executed by the mailbox loop.",
		})
	defaultActionsRun = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "driftflow",
			Subsystem: "mailbox",
			Name:      "default_actions_total",
			Help:      "Total default action invocations of the mailbox loop.",
		})
)

// InitMetrics registers all metrics in this file.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(mailsProcessed)
	registry.MustRegister(defaultActionsRun)
}
