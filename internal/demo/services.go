// Package demo registers a small blog backend on a broker: posts fan out to
// users and votes, users call friends. It drives callz end to end.
package demo

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/zoobzio/callz"
	"github.com/zoobzio/callz/internal/broker"
	"golang.org/x/sync/errgroup"
)

// Options tune the demo services.
type Options struct {
	// Throw makes friends.count fail for user 1.
	Throw bool
	// MaxDelay bounds the simulated latency of leaf actions. Zero disables it.
	MaxDelay time.Duration
}

// User is returned by users.get.
type User struct {
	Name    string `json:"name"`
	ID      int    `json:"id"`
	Friends int    `json:"friends"`
}

// Post is returned by posts.find.
type Post struct {
	Author   *User  `json:"author,omitempty"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	ID       int    `json:"id"`
	AuthorID int    `json:"-"`
	Votes    int    `json:"votes"`
}

var posts = []Post{
	{ID: 1, Title: "First post", Content: "Content of first post", AuthorID: 2},
	{ID: 2, Title: "Second post", Content: "Content of second post", AuthorID: 1},
	{ID: 3, Title: "3rd post", Content: "Content of 3rd post", AuthorID: 2},
}

var users = []User{
	{ID: 1, Name: "John Doe"},
	{ID: 2, Name: "Jane Doe"},
}

// Register creates the posts, users, votes, friends and api services on b.
func Register(b *broker.Broker, opts Options) error {
	s := &services{opts: opts}

	userTags, err := callz.ParseRules([]string{"id", "#loggedIn.username"})
	if err != nil {
		return err
	}

	for _, svc := range []broker.Service{
		{
			Name: "posts",
			Actions: map[string]broker.Action{
				"find": {Handler: s.findPosts},
			},
		},
		{
			Name: "users",
			Actions: map[string]broker.Action{
				"get": {
					Handler: s.getUser,
					Tracing: &callz.ActionConfig{Tags: userTags},
				},
			},
		},
		{
			Name: "votes",
			Actions: map[string]broker.Action{
				"count": {
					Handler: s.countVotes,
					Tracing: &callz.ActionConfig{Tags: callz.TagFunc(voteTags)},
				},
			},
		},
		{
			Name: "friends",
			Actions: map[string]broker.Action{
				"count": {Handler: s.countFriends},
			},
		},
		{
			Name: "api",
			Actions: map[string]broker.Action{
				"rest": {Handler: s.rest},
			},
		},
	} {
		if err := b.CreateService(svc); err != nil {
			return err
		}
	}
	return nil
}

type services struct {
	opts Options
}

// voteTags tags votes.count spans with the whole call record.
func voteTags(call callz.CallContext) map[callz.Tag]any {
	return map[callz.Tag]any{
		"params": call.Params,
		"meta":   call.Meta,
		"custom": map[string]any{"a": 5},
	}
}

func (s *services) findPosts(ctx *broker.Context) (any, error) {
	result := make([]Post, len(posts))
	copy(result, posts)

	g, gctx := errgroup.WithContext(ctx)
	for i := range result {
		post := &result[i]
		g.Go(func() error {
			res, err := ctx.Broker().Call(gctx, "users.get", callz.Params{"id": post.AuthorID})
			if err != nil {
				return err
			}
			post.Author = res.(*User)
			return nil
		})
		g.Go(func() error {
			res, err := ctx.Broker().Call(gctx, "votes.count", callz.Params{"postID": post.ID})
			if err != nil {
				return err
			}
			post.Votes = res.(int)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *services) getUser(ctx *broker.Context) (any, error) {
	id, err := ctx.IntParam("id")
	if err != nil {
		return nil, err
	}

	for _, u := range users {
		if u.ID != id {
			continue
		}
		user := u
		friends, err := ctx.Call("friends.count", callz.Params{"userID": user.ID})
		if err != nil {
			return nil, err
		}
		user.Friends = friends.(int)
		return &user, nil
	}
	return nil, broker.NotFound("User is not found!", map[string]any{"id": id})
}

func (s *services) countVotes(ctx *broker.Context) (any, error) {
	postID, err := ctx.IntParam("postID")
	if err != nil {
		return nil, err
	}
	if err := s.delay(ctx, 10*time.Millisecond); err != nil {
		return nil, err
	}
	return postID * 3, nil
}

func (s *services) countFriends(ctx *broker.Context) (any, error) {
	userID, err := ctx.IntParam("userID")
	if err != nil {
		return nil, err
	}
	if s.opts.Throw && userID == 1 {
		return nil, broker.NewError("Friends is not found!", 404, broker.TypeNotFound, map[string]any{"userID": userID})
	}
	if err := s.delay(ctx, 10*time.Millisecond); err != nil {
		return nil, err
	}
	return userID * 3, nil
}

// rest forwards to the action named in params, like an API gateway route.
func (s *services) rest(ctx *broker.Context) (any, error) {
	action, _ := ctx.Params["action"].(string)
	if action == "" {
		return nil, broker.NewError("Missing action parameter.", 422, "VALIDATION_ERROR", nil)
	}
	params, _ := ctx.Params["params"].(map[string]any)
	return ctx.Call(action, params)
}

// delay simulates a leaf action doing I/O for base plus a random share of MaxDelay.
func (s *services) delay(ctx *broker.Context, base time.Duration) error {
	if s.opts.MaxDelay <= 0 {
		return nil
	}
	d := base + rand.N(s.opts.MaxDelay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ctx.Broker().Clock().After(d):
		return nil
	}
}

// Request performs the gateway request the demo serves: api.rest routed to
// posts.find, on behalf of a logged-in user.
func Request(ctx context.Context, b *broker.Broker, username string) ([]Post, error) {
	res, err := b.Call(ctx, "api.rest", callz.Params{
		"action": "posts.find",
		"params": map[string]any{"limit": 5},
	}, callz.CallOptions{
		Meta: map[string]any{"loggedIn": map[string]any{"username": username}},
	})
	if err != nil {
		return nil, err
	}
	return res.([]Post), nil
}
