package access

import (
	"testing"

	"github.com/stretchr/testify/require"

	"parley/thread"
)

func TestEvaluate(t *testing.T) {
	doc := thread.Document{ID: 1, OwnerUserID: 10, CreatorUserID: 20, CurrentStagePointer: 300}
	trackers := []thread.Tracker{
		{Identifier: 100, UserID: 10},
		{Identifier: 300, UserID: 30},
	}
	groupTrackers := []thread.Tracker{
		{Identifier: 300, UserID: 0, GroupID: 5},
	}

	cases := []struct {
		name     string
		viewer   int64
		trackers []thread.Tracker
		groups   []int64
		want     Level
	}{
		{"owner always allowed", 10, trackers, nil, Allow},
		{"creator always allowed", 20, trackers, nil, Allow},
		{"current stage tracker allowed", 30, trackers, nil, Allow},
		{"other stage tracker locked", 40, trackers, nil, Lock},
		{"group member allowed", 30, groupTrackers, []int64{5}, Allow},
		{"group non-member locked", 30, groupTrackers, []int64{6}, Lock},
		{"group tracker with no memberships locked", 30, groupTrackers, nil, Lock},
		{"no tracker for stage locks", 30, nil, nil, Lock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Evaluate(doc, tc.viewer, tc.trackers, tc.groups))
		})
	}
}
