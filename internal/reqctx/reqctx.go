// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reqctx carries a per-request correlation id through context.Context,
// for propagation across provider dispatch and the shared pkg/httpclient
// transport. A minimal correlation-id type,
// trimmed to the one piece httpclient and providerproxy actually need.
package reqctx

import (
	"context"

	"github.com/google/uuid"
)

type correlationIDKey struct{}

// CorrelationID is an opaque per-request identifier, propagated as the
// X-Correlation-ID header and recorded on api_usage rows.
type CorrelationID string

// NewCorrelationID generates a fresh correlation id.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

// IsValid reports whether the id is non-empty.
func (c CorrelationID) IsValid() bool {
	return c != ""
}

// String returns the id's string form.
func (c CorrelationID) String() string {
	return string(c)
}

// ToContext attaches a correlation id to ctx.
func ToContext(ctx context.Context, id CorrelationID) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// FromContextOrEmpty returns the correlation id attached to ctx, or "" if none.
func FromContextOrEmpty(ctx context.Context) CorrelationID {
	id, _ := ctx.Value(correlationIDKey{}).(CorrelationID)
	return id
}
