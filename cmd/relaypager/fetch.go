package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	relay "github.com/llehouerou/go-graphql-relay"
	"github.com/llehouerou/go-graphql-relay/internal/tagparser"
	"github.com/llehouerou/go-graphql-relay/network"
	"github.com/llehouerou/go-graphql-relay/pkg/logging"
	"github.com/llehouerou/go-graphql-relay/store"
	"github.com/llehouerou/go-graphql-relay/types"
)

// descriptor is the YAML file describing what to page through.
//
//	query:
//	  name: UserFriends
//	  text: |
//	    query UserFriends($id: ID!, $count: Int, $cursor: String) { ... }
//	fragment_path: [user]
//	fragment:
//	  name: UserFriends_user
//	  arguments: [count, cursor]
//	  pagination:
//	    request: {name: ..., text: ...}
//	    ...
type descriptor struct {
	Query        relay.Request  `yaml:"query"`
	FragmentPath []string       `yaml:"fragment_path"`
	Fragment     relay.Fragment `yaml:"fragment"`
}

func loadDescriptor(path string) (*descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	var d descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode descriptor %s: %w", path, err)
	}
	if d.Query.Text == "" && d.Query.ID == "" {
		return nil, fmt.Errorf("descriptor %s: query has neither text nor id", path)
	}
	if d.Fragment.Pagination == nil {
		return nil, fmt.Errorf("descriptor %s: fragment %q has no pagination metadata", path, d.Fragment.Name)
	}
	if d.FragmentPath, err = tagparser.ResponsePath(d.FragmentPath); err != nil {
		return nil, fmt.Errorf("descriptor %s: fragment_path: %w", path, err)
	}
	if err := d.Fragment.Pagination.Normalize(); err != nil {
		return nil, err
	}
	if err := d.Fragment.Pagination.Validate(d.Fragment.Name); err != nil {
		return nil, err
	}
	return &d, nil
}

// fetchOptions holds flags for the fetch command.
type fetchOptions struct {
	*rootOptions
	Endpoint   string
	Descriptor string
	Vars       []string
	Count      int
	Pages      int
	Backward   bool
	Retries    uint
	Timeout    time.Duration
}

func newFetchCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &fetchOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Execute the root query and load pages of its connection",
		Long: `Execute the root query of a descriptor, then load pages of the
connection of the fragment found at fragment_path and print its edges as JSON.

Example:
  relaypager fetch --endpoint http://localhost:8080/graphql \
    --descriptor friends.yaml --var id=u1 --var count=2 --count 2 --pages 3`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			return runFetch(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "GraphQL endpoint URL")
	cmd.Flags().StringVar(&opts.Descriptor, "descriptor", "", "YAML descriptor file")
	cmd.Flags().StringArrayVar(&opts.Vars, "var", nil, "root query variable as name=value, value is JSON or a plain string")
	cmd.Flags().IntVar(&opts.Count, "count", 10, "items per page")
	cmd.Flags().IntVar(&opts.Pages, "pages", 1, "pages to load after the root query")
	cmd.Flags().BoolVar(&opts.Backward, "backward", false, "load pages before the start of the connection")
	cmd.Flags().UintVar(&opts.Retries, "retries", 1, "attempts per request")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "overall timeout")
	_ = cmd.MarkFlagRequired("endpoint")
	_ = cmd.MarkFlagRequired("descriptor")

	return cmd
}

// parseVars reads name=value pairs. Values that are valid JSON keep their
// type, anything else is a string.
func parseVars(pairs []string) (relay.Variables, error) {
	vars := relay.Variables{}
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q: want name=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		vars[name] = v
	}
	return vars, nil
}

type output struct {
	Edges       []any `json:"edges"`
	HasNext     bool  `json:"hasNext"`
	HasPrevious bool  `json:"hasPrevious"`
	Pages       int   `json:"pages"`
}

func runFetch(ctx context.Context, opts *fetchOptions, w io.Writer) error {
	if opts.Count <= 0 {
		return fmt.Errorf("--count must be positive, got %d", opts.Count)
	}
	d, err := loadDescriptor(opts.Descriptor)
	if err != nil {
		return err
	}
	vars, err := parseVars(opts.Vars)
	if err != nil {
		return err
	}

	logger := logging.NewLogger("relaypager")
	env, err := relay.NewEnvironment(relay.Config{
		Network: network.NewClient(opts.Endpoint, nil).
			WithRetry(opts.Retries, 200*time.Millisecond).
			WithLogger(logging.NewLogger("network")),
		Store:  store.New(store.WithLogger(logging.NewLogger("store"))),
		Logger: &logger,
	})
	if err != nil {
		return err
	}

	op := relay.NewOperationDescriptor(d.Query, vars)
	query := relay.LoadQuery(ctx, env, op, relay.NetworkOnly, nil)
	defer query.Dispose()
	if err := query.Wait(ctx); err != nil {
		return fmt.Errorf("root query: %w", err)
	}

	ref, err := fragmentRef(env, &op, d)
	if err != nil {
		return err
	}
	p, err := relay.NewPaginationFragment(env, &d.Fragment, ref, relay.WithStrategy(relay.Blocking))
	if err != nil {
		return err
	}
	defer p.Close()

	state, err := p.State()
	if err != nil {
		return err
	}
	loaded := 0
	for loaded < opts.Pages && hasMore(state, opts.Backward) {
		load := p.LoadNext
		if opts.Backward {
			load = p.LoadPrevious
		}
		fetch, err := load(ctx, opts.Count)
		if err != nil {
			return fmt.Errorf("page %d: %w", loaded+1, err)
		}
		select {
		case <-fetch.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := fetch.Err(); err != nil {
			return fmt.Errorf("page %d: %w", loaded+1, err)
		}
		loaded++
		logger.Debug().Int("page", loaded).Msg("page loaded")
		if state, err = p.State(); err != nil {
			return err
		}
	}

	edges, err := connectionEdges(state.Data, d.Fragment.Pagination)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(output{
		Edges:       edges,
		HasNext:     state.HasNext,
		HasPrevious: state.HasPrevious,
		Pages:       loaded,
	})
}

func hasMore(s relay.PaginationState, backward bool) bool {
	if backward {
		return s.HasPrevious
	}
	return s.HasNext
}

// fragmentRef follows fragment_path in the root record of op to the record
// the fragment reads.
func fragmentRef(env *relay.Environment, op *relay.OperationDescriptor, d *descriptor) (*relay.FragmentRef, error) {
	snap := env.Lookup(relay.Selector{DataID: op.RootID(), Variables: op.Variables, Owner: op})
	var cur any = snap.Data
	for _, key := range d.FragmentPath {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("fragment_path: %q is not inside an object", key)
		}
		cur = obj[key]
	}
	obj, ok := cur.(map[string]any)
	if !ok {
		return nil, errors.New("fragment_path does not lead to an object")
	}
	idField := d.Fragment.Pagination.IdentifierField
	if idField == "" {
		idField = types.IDField
	}
	id, ok := obj[idField].(string)
	if !ok {
		return nil, fmt.Errorf("fragment_path leads to an object without string %q", idField)
	}

	fragmentVars := relay.Variables{}
	for _, name := range d.Fragment.Arguments {
		fragmentVars[name] = op.Variables[name]
	}
	return &relay.FragmentRef{DataID: id, Variables: fragmentVars, Owner: op}, nil
}

func connectionEdges(data map[string]any, m *relay.PaginationMetadata) ([]any, error) {
	var cur any = data
	for _, key := range m.ConnectionPath {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("connection_path: %q is not inside an object", key)
		}
		cur = obj[key]
	}
	conn, ok := cur.(map[string]any)
	if !ok {
		return []any{}, nil
	}
	edges, _ := conn[m.Fields.Edges].([]any)
	if edges == nil {
		edges = []any{}
	}
	return edges, nil
}
