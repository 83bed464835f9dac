package presence

import (
	"testing"

	"github.com/example/support-relay/domain/support"
)

func buildState(ps ...support.Participant) *state {
	s := newState()
	for _, p := range ps {
		s.put(p)
	}
	return s
}

func TestRoute(t *testing.T) {
	s := buildState(
		support.Participant{ConnectionID: "d1-phone", Role: support.RoleDriver, AffiliationID: "D1"},
		support.Participant{ConnectionID: "admin-1", Role: support.RoleAdmin},
		support.Participant{ConnectionID: "d1-tablet", Role: support.RoleDriver, AffiliationID: "D1"},
		support.Participant{ConnectionID: "admin-2", Role: support.RoleAdmin},
		support.Participant{ConnectionID: "c9", Role: support.RoleCustomer, AffiliationID: "C9"},
		support.Participant{ConnectionID: "admin-3", Role: support.RoleAdmin},
		support.Participant{ConnectionID: "d2", Role: support.RoleDriver, AffiliationID: "D2"},
	)

	tests := []struct {
		name string
		msg  support.Message
		want []string
	}{
		{
			name: "direct connection target",
			msg:  support.Message{SenderConnectionID: "admin-1", SenderRole: support.SenderAdmin, ReceiverTarget: "d2"},
			want: []string{"d2"},
		},
		{
			name: "admin target fans out to every admin, sender included",
			msg:  support.Message{SenderConnectionID: "admin-1", SenderRole: support.SenderAdmin, ReceiverTarget: "admin"},
			want: []string{"admin-1", "admin-2", "admin-3"},
		},
		{
			name: "driver affiliation reaches all devices",
			msg:  support.Message{SenderConnectionID: "admin-2", SenderRole: support.SenderAdmin, DriverAffiliation: "D1"},
			want: []string{"d1-phone", "d1-tablet"},
		},
		{
			name: "customer affiliation",
			msg:  support.Message{SenderConnectionID: "admin-2", SenderRole: support.SenderSupport, CustomerAffiliation: "C9"},
			want: []string{"c9"},
		},
		{
			name: "connection target beats affiliation",
			msg:  support.Message{SenderConnectionID: "admin-1", SenderRole: support.SenderAdmin, ReceiverTarget: "d1-tablet", DriverAffiliation: "D2"},
			want: []string{"d1-tablet"},
		},
		{
			name: "stale target falls through to affiliation",
			msg:  support.Message{SenderConnectionID: "admin-1", SenderRole: support.SenderAdmin, ReceiverTarget: "gone", DriverAffiliation: "D2"},
			want: []string{"d2"},
		},
		{
			name: "stale target with nothing else is a miss",
			msg:  support.Message{SenderConnectionID: "admin-1", SenderRole: support.SenderAdmin, ReceiverTarget: "gone"},
			want: nil,
		},
		{
			name: "no target broadcasts to everyone, sender included",
			msg:  support.Message{SenderConnectionID: "admin-1", SenderRole: support.SenderAdmin},
			want: []string{"d1-phone", "admin-1", "d1-tablet", "admin-2", "c9", "admin-3", "d2"},
		},
		{
			name: "client broadcast includes the sender once",
			msg:  support.Message{SenderConnectionID: "d2", SenderRole: support.SenderUser},
			want: []string{"d1-phone", "admin-1", "d1-tablet", "admin-2", "c9", "admin-3", "d2"},
		},
		{
			name: "own affiliation skips the sending device",
			msg:  support.Message{SenderConnectionID: "d1-tablet", SenderRole: support.SenderUser, DriverAffiliation: "D1"},
			want: []string{"d1-phone", "admin-1", "admin-2", "admin-3"},
		},
		{
			name: "direct target to self is skipped",
			msg:  support.Message{SenderConnectionID: "admin-1", SenderRole: support.SenderAdmin, ReceiverTarget: "admin-1"},
			want: nil,
		},
		{
			name: "client sender always reaches admins",
			msg:  support.Message{SenderConnectionID: "d1-phone", SenderRole: support.SenderUser, DriverAffiliation: "D1"},
			want: []string{"admin-1", "d1-tablet", "admin-2", "admin-3"},
		},
		{
			name: "client sender to direct target also reaches admins",
			msg:  support.Message{SenderConnectionID: "c9", SenderRole: support.SenderCustomer, ReceiverTarget: "d2"},
			want: []string{"admin-1", "admin-2", "admin-3", "d2"},
		},
		{
			name: "affiliation with nobody online",
			msg:  support.Message{SenderConnectionID: "admin-1", SenderRole: support.SenderAdmin, DriverAffiliation: "D404"},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Route(tt.msg, s)
			if !equalStrings(got, tt.want) {
				t.Errorf("Route() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoute_SenderRoleFromRegistry(t *testing.T) {
	s := buildState(
		support.Participant{ConnectionID: "drv", Role: support.RoleDriver, AffiliationID: "D1"},
		support.Participant{ConnectionID: "adm", Role: support.RoleAdmin},
	)

	// No sender role on the message: the registered role decides.
	got := Route(support.Message{SenderConnectionID: "drv", ReceiverTarget: "nobody"}, s)
	if want := []string{"adm"}; !equalStrings(got, want) {
		t.Errorf("Route() = %v, want %v", got, want)
	}
}

func TestRoute_ThreeAdmins(t *testing.T) {
	s := buildState(
		support.Participant{ConnectionID: "a1", Role: support.RoleAdmin},
		support.Participant{ConnectionID: "a2", Role: support.RoleAdmin},
		support.Participant{ConnectionID: "a3", Role: support.RoleAdmin},
		support.Participant{ConnectionID: "drv", Role: support.RoleDriver, AffiliationID: "D1"},
	)

	got := Route(support.Message{SenderConnectionID: "drv", SenderRole: support.SenderUser, ReceiverTarget: support.AdminTarget}, s)
	if len(got) != 3 {
		t.Errorf("Route() to admin = %v, want all 3 admins", got)
	}
}

func BenchmarkRoute(b *testing.B) {
	s := newState()
	for i := 0; i < 500; i++ {
		role := support.RoleDriver
		if i%50 == 0 {
			role = support.RoleAdmin
		}
		s.put(support.Participant{ConnectionID: string(rune(i + 1000)), Role: role, AffiliationID: "D1"})
	}
	msg := support.Message{SenderConnectionID: "x", SenderRole: support.SenderUser, DriverAffiliation: "D1"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Route(msg, s)
	}
}
