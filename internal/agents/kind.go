// Copyright 2024 Legal Research Assistant Project
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

package agents

import (
	"github.com/your-org/legal-research-assistant/internal/complexity"
)

// Kind identifies an agent or workflow
type Kind string

const (
	KindChat                  Kind = "chat"
	KindSearch                Kind = "search"
	KindResearch              Kind = "research"
	KindDeepResearch          Kind = "deep-research"
	KindReviewWorkflow        Kind = "workflow-review"
	KindCaseLawWorkflow       Kind = "workflow-caselaw"
	KindDraftingWorkflow      Kind = "workflow-drafting"
	KindComprehensiveWorkflow Kind = "workflow-comprehensive"
)

// AllKinds lists every agent and workflow
func AllKinds() []Kind {
	return []Kind{
		KindChat, KindSearch, KindResearch, KindDeepResearch,
		KindReviewWorkflow, KindCaseLawWorkflow, KindDraftingWorkflow, KindComprehensiveWorkflow,
	}
}

// IsWorkflow reports whether the kind is a multi-step workflow
func (k Kind) IsWorkflow() bool {
	switch k {
	case KindReviewWorkflow, KindCaseLawWorkflow, KindDraftingWorkflow, KindComprehensiveWorkflow:
		return true
	default:
		return false
	}
}

// UsesTools reports whether the kind calls search or extraction before answering
func (k Kind) UsesTools() bool {
	return k != KindChat
}

// Select maps a complexity tier to the agent that answers it. With
// workflows disabled the workflow tiers run the deep-research agent,
// which still searches before answering. Unrecognized tiers get chat.
func Select(c complexity.Complexity, workflowsEnabled bool) Kind {
	switch c {
	case complexity.Simple:
		return KindChat
	case complexity.Light:
		return KindSearch
	case complexity.Medium:
		return KindResearch
	case complexity.Deep:
		return KindDeepResearch
	case complexity.WorkflowReview:
		return workflowOr(KindReviewWorkflow, workflowsEnabled)
	case complexity.WorkflowCaseLaw:
		return workflowOr(KindCaseLawWorkflow, workflowsEnabled)
	case complexity.WorkflowDrafting:
		return workflowOr(KindDraftingWorkflow, workflowsEnabled)
	case complexity.Comprehensive:
		return workflowOr(KindComprehensiveWorkflow, workflowsEnabled)
	default:
		return KindChat
	}
}

func workflowOr(k Kind, enabled bool) Kind {
	if enabled {
		return k
	}
	return KindDeepResearch
}
