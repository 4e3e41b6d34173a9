// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// zeusNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	zeusNamespace = "zeus"

	pushSubsystem = "push"

	// 以下为当前使用的通用标签名。
	nodeIDLabelName   = "node_id"
	roleNameLabelName = "role_name"

	resultLabelName  = "result"
	actionLabelName  = "action"
	originLabelName  = "origin"
	backendLabelName = "backend"
)

// 标签取值。
const (
	BindResultSuccess   = "success"
	BindResultDuplicate = "duplicate"
	BindResultInvalid   = "invalid"
	BindResultFailed    = "failed"

	ConflictActionReplace = "replace"
	ConflictActionKick    = "kick"
	ConflictActionFailed  = "failed"

	EventOriginLocal  = "local"
	EventOriginRemote = "remote"
)

var (
	// buckets 为请求耗时直方图的桶划分，单位为毫秒。
	// 实际桶分布为：
	// [1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192 16384 32768 65536 1.31072e+05]
	buckets = prometheus.ExponentialBuckets(1, 2, 18)

	NumNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: zeusNamespace,
			Name:      "num_node",
			Help:      "number of nodes and coordinates",
		}, []string{nodeIDLabelName, roleNameLabelName})

	// OnlineConnections 为本节点当前持有的传输层连接数（含未绑定）。
	OnlineConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: zeusNamespace,
			Subsystem: pushSubsystem,
			Name:      "online_connections",
			Help:      "number of live transport connections on this node",
		})

	// ManagedConnections 为本节点 Registry 中已绑定的连接数。
	ManagedConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: zeusNamespace,
			Subsystem: pushSubsystem,
			Name:      "managed_connections",
			Help:      "number of bound connections held by the registry",
		})

	BindTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: pushSubsystem,
			Name:      "bind_total",
			Help:      "count of bind requests by result",
		}, []string{resultLabelName})

	BindLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: zeusNamespace,
			Subsystem: pushSubsystem,
			Name:      "bind_latency",
			Help:      "latency of successful bind requests in milliseconds",
			Buckets:   buckets,
		})

	ConflictTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: pushSubsystem,
			Name:      "conflict_total",
			Help:      "count of conflicting connections handled by action",
		}, []string{actionLabelName})

	BindEventTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: pushSubsystem,
			Name:      "bind_event_total",
			Help:      "count of bind events handled by origin",
		}, []string{originLabelName})

	EventPublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: zeusNamespace,
			Subsystem: pushSubsystem,
			Name:      "event_publish_failures_total",
			Help:      "count of bind events that could not be published to the cluster",
		}, []string{backendLabelName})

	metricRegisterer prometheus.Registerer
	registerOnce     sync.Once
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标。
// 多次调用时只有第一次生效。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(NumNodes)
		r.MustRegister(OnlineConnections)
		r.MustRegister(ManagedConnections)
		r.MustRegister(BindTotal)
		r.MustRegister(BindLatency)
		r.MustRegister(ConflictTotal)
		r.MustRegister(BindEventTotal)
		r.MustRegister(EventPublishFailures)
		metricRegisterer = r
	})
}
