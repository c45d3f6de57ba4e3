// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package agent

// TruncateUTF8 exposes truncateUTF8 for white-box testing.
var TruncateUTF8 = truncateUTF8

// FailureDetail exposes failureDetail for white-box testing.
var FailureDetail = failureDetail

// SinkLogEscalationThreshold exposes sinkLogEscalationThreshold for white-box testing.
const SinkLogEscalationThreshold = sinkLogEscalationThreshold
