package tideline

import (
	"context"
	"encoding/json"
	"fmt"
)

// FriendsClient manages the friendship graph.
type FriendsClient struct{ client *Client }

// Request creates a pending friend request from requester to addressee.
func (f *FriendsClient) Request(ctx context.Context, requesterID, addresseeID string) (FriendRecord, error) {
	row, err := f.client.Insert(ctx, "friendships", FriendRecord{
		RequesterID: requesterID,
		AddresseeID: addresseeID,
		Status:      FriendPending,
	})
	if err != nil {
		return FriendRecord{}, err
	}
	var rec FriendRecord
	if err := json.Unmarshal(row, &rec); err != nil {
		return FriendRecord{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return rec, nil
}

// Respond accepts or declines a pending request.
func (f *FriendsClient) Respond(ctx context.Context, requestID string, accept bool) error {
	status := FriendDeclined
	if accept {
		status = FriendAccepted
	}
	return f.client.Update(ctx, "friendships",
		NewFilter().Eq("id", requestID).Eq("status", FriendPending),
		map[string]string{"status": status})
}

// List returns the profiles of userID's accepted friends.
func (f *FriendsClient) List(ctx context.Context, userID string) ([]ProfileRecord, error) {
	edges, err := f.edges(ctx, userID, FriendAccepted)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		other := e.AddresseeID
		if other == userID {
			other = e.RequesterID
		}
		ids = append(ids, other)
	}

	rows, err := f.client.Query(ctx, "profiles", NewFilter().In("user_id", ids...), Asc("username"), 0)
	if err != nil {
		return nil, err
	}
	profiles := make([]ProfileRecord, 0, len(rows))
	for _, row := range rows {
		var p ProfileRecord
		if err := json.Unmarshal(row, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// Pending returns the open requests involving userID, split by
// direction.
func (f *FriendsClient) Pending(ctx context.Context, userID string) (incoming, outgoing []FriendRecord, err error) {
	edges, err := f.edges(ctx, userID, FriendPending)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range edges {
		if e.AddresseeID == userID {
			incoming = append(incoming, e)
		} else {
			outgoing = append(outgoing, e)
		}
	}
	return incoming, outgoing, nil
}

func (f *FriendsClient) edges(ctx context.Context, userID, status string) ([]FriendRecord, error) {
	filter := NewFilter().
		Or(fmt.Sprintf("requester_id.eq.%s,addressee_id.eq.%s", userID, userID)).
		Eq("status", status)
	rows, err := f.client.Query(ctx, "friendships", filter, Asc("created_at"), 0)
	if err != nil {
		return nil, err
	}
	edges := make([]FriendRecord, 0, len(rows))
	for _, row := range rows {
		var rec FriendRecord
		if err := json.Unmarshal(row, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		edges = append(edges, rec)
	}
	return edges, nil
}
