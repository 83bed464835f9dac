package presence

import "github.com/example/support-relay/domain/support"

// Route returns the connections that should receive msg, in registration order.
//
// The first matching rule picks the primary recipients:
//  1. a receiver target naming a registered connection
//  2. the "admin" target, fanned out to every admin
//  3. a driver affiliation, fanned out to that driver's connections
//  4. a customer affiliation, fanned out to that customer's connections
//  5. no target at all, broadcast to everyone
//
// Messages from drivers and customers also reach every admin. The admin
// fan-out and the broadcast include the sending connection when it matches;
// every other rule skips it. A receiver target naming a connection that is
// no longer registered, with no affiliation to fall back on, resolves to
// nobody.
func Route(msg support.Message, v View) []string {
	selected := make(map[string]struct{})
	add := func(ids []string) {
		for _, id := range ids {
			selected[id] = struct{}{}
		}
	}

	target := msg.ReceiverTarget
	_, targetLive := v.Lookup(target)
	keepSender := false
	switch {
	case target != "" && target != support.AdminTarget && targetLive:
		add([]string{target})
	case target == support.AdminTarget:
		add(v.ConnectionsByRole(support.RoleAdmin))
		keepSender = true
	case msg.DriverAffiliation != "":
		add(v.FindByAffiliation(msg.DriverAffiliation, support.RoleDriver))
	case msg.CustomerAffiliation != "":
		add(v.FindByAffiliation(msg.CustomerAffiliation, support.RoleCustomer))
	case target == "":
		add(v.All())
		keepSender = true
	}
	if !keepSender {
		delete(selected, msg.SenderConnectionID)
	}

	// A client sender is never an admin, so this cannot re-add it.
	if fromClient(msg, v) {
		add(v.ConnectionsByRole(support.RoleAdmin))
	}

	if len(selected) == 0 {
		return nil
	}
	out := make([]string, 0, len(selected))
	for _, id := range v.All() {
		if _, ok := selected[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func fromClient(msg support.Message, v View) bool {
	if msg.SenderRole.IsClient() {
		return true
	}
	if p, ok := v.Lookup(msg.SenderConnectionID); ok {
		return p.Role.IsClient()
	}
	return false
}
