package tideline

import (
	"context"
	"encoding/json"
	"fmt"
)

// PostBucket is the storage bucket for post images.
const PostBucket = "post-images"

// PostsClient manages the public feed.
type PostsClient struct{ client *Client }

// List returns the feed, newest first.
func (p *PostsClient) List(ctx context.Context, limit int) ([]PostRecord, error) {
	rows, err := p.client.Query(ctx, "posts", NewFilter(), Desc("created_at"), limit)
	if err != nil {
		return nil, err
	}
	posts := make([]PostRecord, 0, len(rows))
	for _, row := range rows {
		var rec PostRecord
		if err := json.Unmarshal(row, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		posts = append(posts, rec)
	}
	return posts, nil
}

// Create publishes a post. When image is non-nil it is uploaded first;
// an upload failure aborts the post.
func (p *PostsClient) Create(ctx context.Context, authorID, content string, image []byte, imageName string) (PostRecord, error) {
	rec := PostRecord{AuthorID: authorID, Content: content}
	if len(image) > 0 {
		path := fmt.Sprintf("%s/%s-%s", authorID, generateUUID(), imageName)
		url, err := p.client.UploadBlob(ctx, PostBucket, path, image)
		if err != nil {
			return PostRecord{}, err
		}
		rec.ImageURL = url
	}

	row, err := p.client.Insert(ctx, "posts", rec)
	if err != nil {
		return PostRecord{}, err
	}
	var out PostRecord
	if err := json.Unmarshal(row, &out); err != nil {
		return PostRecord{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return out, nil
}

// Like increments a post's like counter.
func (p *PostsClient) Like(ctx context.Context, postID string) error {
	rows, err := p.client.Query(ctx, "posts", NewFilter().Eq("id", postID), nil, 1)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: post %s not found", ErrUpdateFailed, postID)
	}
	var rec PostRecord
	if err := json.Unmarshal(rows[0], &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}
	return p.client.Update(ctx, "posts",
		NewFilter().Eq("id", postID),
		map[string]int{"like_count": rec.LikeCount + 1})
}
