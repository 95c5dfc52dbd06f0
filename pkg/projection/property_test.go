//go:build property
// +build property

// Package projection_test contains property-based tests for fold determinism
// and the record/action event split.
package projection_test

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/keelhq/keel/pkg/authority"
	"github.com/keelhq/keel/pkg/canonical"
	"github.com/keelhq/keel/pkg/deal"
	"github.com/keelhq/keel/pkg/projection"
)

var (
	propActions = []deal.Action{
		deal.ActionOpenReview, deal.ActionApproveDeal, deal.ActionAttestReadyToClose,
		deal.ActionFinalizeClosing, deal.ActionActivateOperations, deal.ActionDeclareDistress,
		deal.ActionResolveDistress, deal.ActionImposeFreeze, deal.ActionLiftFreeze,
		deal.ActionFinalizeExit, deal.ActionTerminateDeal,
	}
	propRoles     = []deal.Role{deal.RoleGP, deal.RoleAnalyst, deal.RoleCounsel, deal.RoleLP}
	propTruths    = []deal.TruthClass{deal.TruthAI, deal.TruthHuman, deal.TruthDoc}
	propMaterials = []string{"UnderwritingSummary", "WireConfirmation", "ExitSettlementStatement"}
	propRecords   = []string{"FUNDED", "PAID", "NOTE_ADDED"}
)

// buildLog zips the generated slices into a well-formed event log: a genesis
// record followed by one event per index. kind selects the event family
// (0 approval, 1 material, 2 action, anything else an opaque collaborator
// record); pick and actor select the details.
func buildLog(kinds, picks, actors []int) []deal.Event {
	n := len(kinds)
	if len(picks) < n {
		n = len(picks)
	}
	if len(actors) < n {
		n = len(actors)
	}

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	events := make([]deal.Event, 0, n+1)
	events = append(events, deal.Event{
		ID: "ev-0", DealID: "deal-prop", Sequence: 1,
		Type: deal.EventDealCreated, ActorID: "actor-0", CreatedAt: base,
	})

	for i := 0; i < n; i++ {
		ev := deal.Event{
			ID:        fmt.Sprintf("ev-%d", i+1),
			DealID:    "deal-prop",
			Sequence:  int64(i + 2),
			ActorID:   fmt.Sprintf("actor-%d", actors[i]),
			CreatedAt: base.Add(time.Duration(i+1) * time.Minute),
		}
		switch kinds[i] {
		case 0:
			ev.Type = deal.EventApprovalGranted
			payload, _ := json.Marshal(deal.ApprovalPayload{
				Action: propActions[picks[i]%len(propActions)],
				Role:   propRoles[picks[i]%len(propRoles)],
			})
			ev.Payload = payload
		case 1:
			ev.Type = deal.EventMaterialAdded
			payload, _ := json.Marshal(deal.MaterialPayload{
				MaterialType: propMaterials[picks[i]%len(propMaterials)],
				TruthClass:   propTruths[picks[i]%len(propTruths)],
			})
			ev.Payload = payload
		case 2:
			ev.Type = string(propActions[picks[i]%len(propActions)])
		default:
			ev.Type = propRecords[picks[i]%len(propRecords)]
		}
		events = append(events, ev)
	}
	return events
}

// TestProjectDeterminism verifies the fold is a pure function: projecting the
// same prefix twice yields identical projections, down to the canonical
// bytes proof packs are built from.
func TestProjectDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	p := projection.New(authority.DefaultRuleset())

	properties.Property("project twice yields identical projections", prop.ForAll(
		func(kinds, picks, actors []int) bool {
			events := buildLog(kinds, picks, actors)

			first := p.Project("deal-prop", events)
			second := p.Project("deal-prop", events)
			if !reflect.DeepEqual(first, second) {
				return false
			}

			a, err := canonical.Marshal(first)
			if err != nil {
				return false
			}
			b, err := canonical.Marshal(second)
			if err != nil {
				return false
			}
			return string(a) == string(b)
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.SliceOf(gen.IntRange(0, 32)),
		gen.SliceOf(gen.IntRange(1, 6)),
	))

	properties.TestingRun(t)
}

// TestProjectPrefixConsistency verifies a projection only depends on its
// prefix: re-projecting any prefix reports that prefix's head sequence and
// event count regardless of what follows.
func TestProjectPrefixConsistency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	p := projection.New(authority.DefaultRuleset())

	properties.Property("prefix projection matches prefix facts", prop.ForAll(
		func(kinds, picks, actors []int, cutRaw int) bool {
			events := buildLog(kinds, picks, actors)
			cut := cutRaw%len(events) + 1

			proj := p.Project("deal-prop", events[:cut])
			whole := p.Project("deal-prop", events)

			if proj.Seq != events[cut-1].Sequence || proj.Timeline.EventCount != cut {
				return false
			}
			return whole.Seq == events[len(events)-1].Sequence &&
				whole.Timeline.EventCount == len(events)
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.SliceOf(gen.IntRange(0, 32)),
		gen.SliceOf(gen.IntRange(1, 6)),
		gen.IntRange(0, 1<<20),
	))

	properties.TestingRun(t)
}

// TestRecordEventsNeverMoveState verifies approval, material, and unknown
// collaborator records leave the state machine untouched no matter how they
// are interleaved.
func TestRecordEventsNeverMoveState(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	p := projection.New(authority.DefaultRuleset())

	properties.Property("record-only logs stay in Draft", prop.ForAll(
		func(kinds, picks, actors []int) bool {
			for i := range kinds {
				if kinds[i] == 2 {
					kinds[i] = 3
				}
			}
			events := buildLog(kinds, picks, actors)

			proj := p.Project("deal-prop", events)
			return proj.State == deal.StateDraft &&
				proj.StressMode == deal.StressNormal &&
				!proj.ReadyToClose
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.SliceOf(gen.IntRange(0, 32)),
		gen.SliceOf(gen.IntRange(1, 6)),
	))

	properties.TestingRun(t)
}
