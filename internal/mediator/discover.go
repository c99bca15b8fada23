package mediator

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/layr8/didcomm-mediator/internal/wire"
)

// DiscoverQueries lists the message-type URIs this mediator supports,
// filtered by each query's match glob (a '*' suffix only, per the
// protocol's own text).
func (e *Engine) DiscoverQueries(ctx context.Context, req Request) (*Result, error) {
	var body DiscoverQueriesBody
	if err := req.Message.UnmarshalBody(&body); err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "discover-features queries body", err)
	}

	var disclosures []Disclosure
	seen := make(map[string]bool)
	for _, q := range body.Queries {
		for _, uri := range e.SupportedTypes {
			if seen[uri] || !globMatch(q.Match, uri) {
				continue
			}
			seen[uri] = true
			disclosures = append(disclosures, Disclosure{FeatureType: "protocol", ID: uri})
		}
	}

	resp := &wire.Message{ID: uuid.NewString(), Type: wire.TypeDiscoverFeaturesDisclose}
	if err := resp.SetBody(DiscoverDiscloseBody{Disclosures: disclosures}); err != nil {
		return nil, err
	}
	return &Result{Response: resp}, nil
}

func globMatch(pattern, uri string) bool {
	if pattern == "" {
		return false
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(uri, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == uri
}
