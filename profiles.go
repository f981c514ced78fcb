package tideline

import (
	"context"
	"encoding/json"
	"fmt"
)

// ProfileBucket is the storage bucket for profile photos.
const ProfileBucket = "profile-photos"

// ProfilesClient manages user profiles.
type ProfilesClient struct{ client *Client }

// Get fetches one profile by user id.
func (p *ProfilesClient) Get(ctx context.Context, userID string) (ProfileRecord, error) {
	rows, err := p.client.Query(ctx, "profiles", NewFilter().Eq("user_id", userID), nil, 1)
	if err != nil {
		return ProfileRecord{}, err
	}
	if len(rows) == 0 {
		return ProfileRecord{}, fmt.Errorf("%w: profile %s not found", ErrFetchFailed, userID)
	}
	var rec ProfileRecord
	if err := json.Unmarshal(rows[0], &rec); err != nil {
		return ProfileRecord{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return rec, nil
}

// Search finds profiles whose username or display name contains q.
func (p *ProfilesClient) Search(ctx context.Context, q string, limit int) ([]ProfileRecord, error) {
	filter := NewFilter().Or(fmt.Sprintf("username.ilike.*%s*,display_name.ilike.*%s*", q, q))
	rows, err := p.client.Query(ctx, "profiles", filter, Asc("username"), limit)
	if err != nil {
		return nil, err
	}
	out := make([]ProfileRecord, 0, len(rows))
	for _, row := range rows {
		var rec ProfileRecord
		if err := json.Unmarshal(row, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Update patches the given profile fields. Empty strings are skipped, so
// a partial update never blanks a field.
func (p *ProfilesClient) Update(ctx context.Context, userID string, patch ProfileRecord) error {
	fields := map[string]string{}
	if patch.Username != "" {
		fields["username"] = patch.Username
	}
	if patch.DisplayName != "" {
		fields["display_name"] = patch.DisplayName
	}
	if patch.Bio != "" {
		fields["bio"] = patch.Bio
	}
	if patch.ProfilePhotoURL != "" {
		fields["profile_photo_url"] = patch.ProfilePhotoURL
	}
	if len(fields) == 0 {
		return nil
	}
	return p.client.Update(ctx, "profiles", NewFilter().Eq("user_id", userID), fields)
}

// SetPhoto uploads a profile photo and points the profile at its public
// URL.
func (p *ProfilesClient) SetPhoto(ctx context.Context, userID, name string, data []byte) (string, error) {
	path := fmt.Sprintf("%s/%s-%s", userID, generateUUID(), name)
	url, err := p.client.UploadBlob(ctx, ProfileBucket, path, data)
	if err != nil {
		return "", err
	}
	if err := p.client.Update(ctx, "profiles",
		NewFilter().Eq("user_id", userID),
		map[string]string{"profile_photo_url": url}); err != nil {
		return "", err
	}
	return url, nil
}
