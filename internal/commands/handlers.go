package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ratingbot/internal/rating"
	"ratingbot/internal/source"
	"ratingbot/internal/subscription"
	"ratingbot/pkg/logx"
)

const maxTop = 5

func (m *Manager) builtin() []Command {
	return []Command{
		{Name: "start", Description: "Introduction", Hidden: true, Handle: m.handleStart},
		{Name: "help", Description: "List commands", Handle: m.handleHelp},
		{
			Name:        "subscribe",
			Aliases:     []string{"sub", "follow"},
			Description: "Get notified when a restaurant rating changes",
			Usage:       "/subscribe <postal:restaurant>",
			Handle:      m.handleSubscribe,
		},
		{
			Name:        "unsubscribe",
			Aliases:     []string{"unsub"},
			Description: "Stop notifications for a restaurant, or all",
			Usage:       "/unsubscribe <postal:restaurant|all>",
			Handle:      m.handleUnsubscribe,
		},
		{Name: "list", Description: "Show your subscriptions", Handle: m.handleList},
		{
			Name:        "status",
			Description: "Bot status, or the cached rating of one restaurant",
			Usage:       "/status [postal:restaurant]",
			Handle:      m.handleStatus,
		},
		{
			Name:        "ratings",
			Aliases:     []string{"top"},
			Description: "Best rated restaurants in a postal code",
			Usage:       ratingsUsage,
			Timeout:     30 * time.Second,
			Handle:      m.handleRatings,
		},
		{
			Name:        "random",
			Description: "Suggest a random well rated restaurant",
			Usage:       randomUsage,
			Timeout:     30 * time.Second,
			Handle:      m.handleRandom,
		},
	}
}

func (m *Manager) handleStart(ctx context.Context, req *Request) error {
	return req.Reply(ctx, "Hi! I watch restaurant ratings and message you when they change.\n\n"+
		"Find restaurants with /ratings <postal>, then follow one with /subscribe <postal:restaurant>.\n"+
		"Send /help for all commands.")
}

func (m *Manager) handleHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range m.Commands() {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&b, "%s - %s\n", usage, c.Description)
	}
	if m.deps.DefaultPostal != "" {
		fmt.Fprintf(&b, "\nA restaurant without a postal code is looked up in %s.", m.deps.DefaultPostal)
	}
	return req.Reply(ctx, strings.TrimSpace(b.String()))
}

func (m *Manager) parseSubject(ctx context.Context, req *Request, usage string) (rating.Subject, bool, error) {
	if len(req.Args) != 1 {
		return "", false, req.Reply(ctx, "Usage: "+usage)
	}
	subject, err := rating.ParseSubject(req.Args[0], m.deps.DefaultPostal)
	if err != nil {
		return "", false, req.Reply(ctx, "That does not look like a restaurant ("+err.Error()+").\nUsage: "+usage)
	}
	return subject, true, nil
}

func (m *Manager) handleSubscribe(ctx context.Context, req *Request) error {
	const usage = "/subscribe <postal:restaurant>"
	subject, ok, err := m.parseSubject(ctx, req, usage)
	if !ok {
		return err
	}

	name := subject.Restaurant()
	if m.deps.Listings != nil {
		l, err := m.deps.Listings.Listing(ctx, subject.PostalCode())
		switch {
		case err != nil:
			// Accept anyway; the poller reports it if it never resolves.
			req.Logger.Warn("listing lookup failed", logx.String("subject", subject.String()), logx.Err(err))
		default:
			r, found := l.Find(subject.Restaurant())
			if !found {
				return req.Reply(ctx, fmt.Sprintf("No restaurant %q in %s. Try /ratings %s", subject.Restaurant(), subject.PostalCode(), subject.PostalCode()))
			}
			name = r.Name
			// Store the listing's spelling so case variants share one subject.
			if canon, err := rating.ParseSubject(r.Ref(), subject.PostalCode()); err == nil {
				subject = canon
			}
		}
	}

	added, err := m.deps.Registry.Subscribe(ctx, req.Chat.ChatID, subject)
	switch {
	case errors.Is(err, subscription.ErrTooManySubscriptions):
		return req.Reply(ctx, "You follow too many restaurants already. Remove one with /unsubscribe first.")
	case err != nil:
		return err
	case !added:
		return req.Reply(ctx, "You already follow "+name+".")
	}
	req.Logger.Info("subscribed", logx.String("subject", subject.String()))
	return req.Reply(ctx, fmt.Sprintf("Subscribed to %s (%s). You will get a message when its rating changes.", name, subject))
}

func (m *Manager) handleUnsubscribe(ctx context.Context, req *Request) error {
	const usage = "/unsubscribe <postal:restaurant|all>"
	if len(req.Args) == 1 && strings.EqualFold(req.Args[0], "all") {
		removed, err := m.deps.Registry.RemoveChat(ctx, req.Chat.ChatID, "user request")
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			return req.Reply(ctx, "You have no subscriptions.")
		}
		return req.Reply(ctx, fmt.Sprintf("Unsubscribed from %d restaurant(s).", len(removed)))
	}

	subject, ok, err := m.parseSubject(ctx, req, usage)
	if !ok {
		return err
	}
	for _, s := range m.deps.Registry.SubjectsOf(req.Chat.ChatID) {
		if strings.EqualFold(s.String(), subject.String()) {
			subject = s
			break
		}
	}
	removed, err := m.deps.Registry.Unsubscribe(ctx, req.Chat.ChatID, subject)
	if err != nil {
		return err
	}
	if !removed {
		return req.Reply(ctx, "You do not follow "+subject.String()+".")
	}
	req.Logger.Info("unsubscribed", logx.String("subject", subject.String()))
	return req.Reply(ctx, "Unsubscribed from "+subject.String()+".")
}

func (m *Manager) handleList(ctx context.Context, req *Request) error {
	subjects := m.deps.Registry.SubjectsOf(req.Chat.ChatID)
	if len(subjects) == 0 {
		return req.Reply(ctx, "You have no subscriptions. Use /subscribe <postal:restaurant>.")
	}
	var b strings.Builder
	b.WriteString("Your subscriptions:\n")
	for _, s := range subjects {
		b.WriteString("- " + m.describe(ctx, s) + "\n")
	}
	return req.Reply(ctx, strings.TrimSpace(b.String()))
}

func (m *Manager) handleStatus(ctx context.Context, req *Request) error {
	if len(req.Args) > 0 {
		subject, ok, err := m.parseSubject(ctx, req, "/status [postal:restaurant]")
		if !ok {
			return err
		}
		var b strings.Builder
		b.WriteString(m.describe(ctx, subject))
		if m.deps.Poller != nil {
			if st, ok := m.deps.Poller.State(subject); ok {
				fmt.Fprintf(&b, "\nState: %s, polls %d, changes %d, failures %d", st.State, st.Polls, st.Changes, st.Failures)
				if !st.LastPoll.IsZero() {
					fmt.Fprintf(&b, "\nLast poll: %s", st.LastPoll.UTC().Format(time.RFC3339))
				}
				if st.LastErr != "" {
					b.WriteString("\nLast error: " + st.LastErr)
				}
			}
		}
		return req.Reply(ctx, b.String())
	}

	chats, subs := m.deps.Registry.Counts()
	var b strings.Builder
	fmt.Fprintf(&b, "Following: %d restaurant(s) here\n", len(m.deps.Registry.SubjectsOf(req.Chat.ChatID)))
	fmt.Fprintf(&b, "Subscriptions: %d across %d chat(s)\n", subs, chats)
	if m.deps.Poller != nil {
		fmt.Fprintf(&b, "Schedule: %s\n", m.deps.Poller.Schedule())
		if rep, ok := m.deps.Poller.LastReport(); ok {
			fmt.Fprintf(&b, "Last tick: %s, %d polled, %d changed, %d failed (%s)",
				rep.Started.UTC().Format(time.RFC3339), rep.Polled, rep.Changed+rep.FirstSeen, rep.Failed, rep.Took.Round(time.Millisecond))
		} else {
			b.WriteString("Last tick: none yet")
		}
	}
	return req.Reply(ctx, strings.TrimSpace(b.String()))
}

const (
	ratingsUsage = "/ratings [postal] [count] [score:4.5] [votes:20] [cuisine:pizza] [exclude:sushi] [ignore:city] [random:yes]"
	randomUsage  = "/random [postal] [count] [score:4.5] [votes:20] [cuisine:pizza] [exclude:sushi] [ignore:city]"
)

// randomMinScore matches the suggestion threshold of the old /random command.
const randomMinScore = 2.1

func (m *Manager) handleRatings(ctx context.Context, req *Request) error {
	q, err := parseListingQuery(req.Args, listingQuery{Postal: m.deps.DefaultPostal, Count: maxTop})
	if err != nil {
		return req.Reply(ctx, queryError(err, ratingsUsage))
	}
	return m.replyListing(ctx, req, q)
}

func (m *Manager) handleRandom(ctx context.Context, req *Request) error {
	q, err := parseListingQuery(req.Args, listingQuery{
		Postal: m.deps.DefaultPostal,
		Count:  1,
		Random: true,
		Filter: source.Filter{MinScore: randomMinScore, MinVotes: 1},
	})
	if err != nil {
		return req.Reply(ctx, queryError(err, randomUsage))
	}
	return m.replyListing(ctx, req, q)
}

func queryError(err error, usage string) string {
	msg := strings.TrimPrefix(err.Error(), errQuery.Error()+": ")
	return "Invalid arguments (" + msg + ").\nUsage: " + usage
}

func (m *Manager) replyListing(ctx context.Context, req *Request, q listingQuery) error {
	if m.deps.Listings == nil {
		return req.Reply(ctx, "Rating lookup is not available.")
	}
	l, err := m.deps.Listings.Listing(ctx, q.Postal)
	if err != nil {
		req.Logger.Warn("listing fetch failed", logx.String("postal", q.Postal), logx.Err(err))
		return req.Reply(ctx, "Could not reach the rating service right now. Try again later.")
	}

	var picked []source.Restaurant
	if q.Random {
		m.rngMu.Lock()
		picked = l.Pick(q.Filter, q.Count, m.rng)
		m.rngMu.Unlock()
	} else {
		picked = l.Select(q.Filter, q.Count)
	}
	if len(picked) == 0 {
		return req.Reply(ctx, "No rated restaurants in "+q.Postal+" match.")
	}

	var b strings.Builder
	if q.Random {
		fmt.Fprintf(&b, "Picked in %s:\n", q.Postal)
	} else {
		fmt.Fprintf(&b, "Top rated in %s:\n", q.Postal)
	}
	for i, r := range picked {
		fmt.Fprintf(&b, "%d. %s", i+1, r.Name)
		if r.City != "" {
			fmt.Fprintf(&b, " (%s)", r.City)
		}
		fmt.Fprintf(&b, " - %s\n", r.Rating)
		if names := r.CuisineNames(); len(names) > 0 {
			fmt.Fprintf(&b, "   %s\n", strings.Join(names, ", "))
		}
		fmt.Fprintf(&b, "   /subscribe %s:%s\n", q.Postal, r.Ref())
	}
	return req.Reply(ctx, strings.TrimSpace(b.String()))
}

// describe renders a subject with its cached rating, if any.
func (m *Manager) describe(ctx context.Context, s rating.Subject) string {
	if m.deps.Cache == nil {
		return s.String()
	}
	e, err := m.deps.Cache.Get(ctx, s)
	if err != nil || e == nil {
		return s.String() + ": no rating yet"
	}
	return fmt.Sprintf("%s (%s): %s", e.Last.DisplayName(), s, e.Last.Value)
}
