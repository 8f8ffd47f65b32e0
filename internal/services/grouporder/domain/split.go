package domain

import "slices"

// ComputeSplit derives the payment allocation for s. It is deterministic and
// does not modify s. Payment marks from the current split carry over for
// participants whose assigned amount is unchanged.
func ComputeSplit(s Session) PaymentSplit {
	active := s.ActiveParticipants()
	split := PaymentSplit{
		Method:  s.PaymentSplit.Method,
		PayerID: s.PaymentSplit.PayerID,
		Custom:  s.PaymentSplit.Clone().Custom,
	}
	if !split.Method.Valid() {
		split.Method = PayAll
	}
	total := s.Totals.Total

	switch split.Method {
	case PayAll:
		if payer, ok := payerFor(s, active); ok {
			split.Assignments = []Assignment{{ParticipantID: payer, Amount: total}}
		}
	case EqualSplit:
		split.Assignments = assign(active, distribute(total, ones(len(active))))
	case PayOwn:
		split.Assignments = assign(active, payOwnShares(s, active))
	case CustomSplit:
		split.Assignments, split.Reconciled = customAssignments(split.Custom, active, total)
	}
	if split.Method != CustomSplit {
		split.Reconciled = len(split.Assignments) > 0 || total == 0
	}

	carryPayments(&split, s.PaymentSplit)
	return split
}

// Clone returns a deep copy of the split.
func (p PaymentSplit) Clone() PaymentSplit {
	return p.clone()
}

// Sum adds up every assignment.
func (p PaymentSplit) Sum() Money {
	var sum Money
	for _, a := range p.Assignments {
		sum += a.Amount
	}
	return sum
}

// Assignment returns the allocation for participantID.
func (p PaymentSplit) Assignment(participantID string) (Assignment, bool) {
	for _, a := range p.Assignments {
		if a.ParticipantID == participantID {
			return a, true
		}
	}
	return Assignment{}, false
}

func payerFor(s Session, active []Participant) (string, bool) {
	for _, candidate := range []string{s.PaymentSplit.PayerID, s.CreatedBy} {
		if candidate == "" {
			continue
		}
		if slices.ContainsFunc(active, func(p Participant) bool { return p.ID == candidate }) {
			return candidate, true
		}
	}
	if len(active) == 0 {
		return "", false
	}
	return active[0].ID, true
}

// payOwnShares bills each line to its active assignees, or to the participant
// who added it when nobody active is assigned, then spreads tax, fees and tip
// in proportion to each participant's item subtotal.
func payOwnShares(s Session, active []Participant) []Money {
	if len(active) == 0 {
		return nil
	}
	position := make(map[string]int, len(active))
	for i, p := range active {
		position[p.ID] = i
	}

	base := make([]Money, len(active))
	var billed Money
	for _, item := range s.Items {
		var owners []int
		for _, pid := range item.AssignedTo {
			if i, ok := position[pid]; ok && !slices.Contains(owners, i) {
				owners = append(owners, i)
			}
		}
		if len(owners) == 0 {
			if i, ok := position[item.AddedBy]; ok {
				owners = []int{i}
			}
		}
		if len(owners) == 0 {
			owners = make([]int, len(active))
			for i := range owners {
				owners[i] = i
			}
		}
		slices.Sort(owners)
		for k, amount := range distribute(item.LineTotal(), ones(len(owners))) {
			base[owners[k]] += amount
		}
		billed += item.LineTotal()
	}

	extra := s.Totals.Total - billed
	shares := distribute(extra, base)
	for i := range shares {
		shares[i] += base[i]
	}
	return shares
}

func customAssignments(custom *CustomAllocation, active []Participant, total Money) ([]Assignment, bool) {
	if custom == nil {
		return nil, false
	}
	position := make(map[string]int, len(active))
	for i, p := range active {
		position[p.ID] = i
	}
	shares := slices.Clone(custom.Shares)
	valid := true
	for _, share := range shares {
		if _, ok := position[share.ParticipantID]; !ok {
			valid = false
		}
	}
	slices.SortStableFunc(shares, func(a, b CustomShare) int {
		pa, oka := position[a.ParticipantID]
		pb, okb := position[b.ParticipantID]
		switch {
		case !oka && !okb:
			return 0
		case !oka:
			return 1
		case !okb:
			return -1
		}
		return pa - pb
	})

	out := make([]Assignment, len(shares))
	switch custom.Unit {
	case CustomPercent:
		var bps BasisPoints
		weights := make([]Money, len(shares))
		for i, share := range shares {
			bps += share.Percent
			weights[i] = Money(share.Percent)
		}
		amounts := distribute(total, weights)
		if bps != FullShare {
			valid = false
		}
		for i, share := range shares {
			out[i] = Assignment{ParticipantID: share.ParticipantID, Amount: amounts[i]}
		}
	default:
		var sum Money
		for i, share := range shares {
			out[i] = Assignment{ParticipantID: share.ParticipantID, Amount: share.Amount}
			sum += share.Amount
		}
		if sum != total {
			valid = false
		}
	}
	return out, valid
}

func carryPayments(next *PaymentSplit, prev PaymentSplit) {
	next.TotalPayments = len(next.Assignments)
	next.CompletedPayments = 0
	for i, a := range next.Assignments {
		old, ok := prev.Assignment(a.ParticipantID)
		if ok && old.PaidAt != nil && old.Amount == a.Amount {
			paidAt := *old.PaidAt
			next.Assignments[i].PaidAt = &paidAt
			next.CompletedPayments++
		}
	}
}

func assign(active []Participant, amounts []Money) []Assignment {
	out := make([]Assignment, 0, len(active))
	for i, p := range active {
		if i < len(amounts) {
			out = append(out, Assignment{ParticipantID: p.ID, Amount: amounts[i]})
		}
	}
	return out
}

func ones(n int) []Money {
	w := make([]Money, n)
	for i := range w {
		w[i] = 1
	}
	return w
}
