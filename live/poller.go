package live

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nicklaw5/helix/v2"

	"github.com/onnwee/chat-bridge/telemetry"
)

// batchSize is the Helix page-size cap for the streams endpoint.
const batchSize = 100

// DefaultPollInterval is how often live status is re-checked.
const DefaultPollInterval = 15 * time.Second

// DefaultActivityEvery samples viewer counts every Nth poll cycle.
const DefaultActivityEvery = 10

// Stream is one live stream as reported by a poll.
type Stream struct {
	UserID       string
	UserLogin    string
	UserName     string
	GameName     string
	Title        string
	ViewerCount  int
	StartedAt    time.Time
	ThumbnailURL string
}

// FromHelix converts Helix stream records into poller streams.
func FromHelix(streams []helix.Stream) []Stream {
	out := make([]Stream, 0, len(streams))
	for _, s := range streams {
		out = append(out, Stream{
			UserID:       s.UserID,
			UserLogin:    s.UserLogin,
			UserName:     s.UserName,
			GameName:     s.GameName,
			Title:        s.Title,
			ViewerCount:  s.ViewerCount,
			StartedAt:    s.StartedAt,
			ThumbnailURL: s.ThumbnailURL,
		})
	}
	return out
}

// StreamSource reports which of the given users are currently live.
type StreamSource interface {
	LiveStreams(ctx context.Context, userIDs []string) ([]Stream, error)
}

// Announcer posts and later edits stream notifications in Discord.
type Announcer interface {
	AnnounceLive(ctx context.Context, channelID string, s Stream) (messageID string, err error)
	EditLive(ctx context.Context, channelID, messageID string, s Stream) error
	EditOffline(ctx context.Context, channelID, messageID string, s Stream, summary Summary) error
}

// Subscriptions yields the streamers to watch and the channels to notify.
// Both the bridge registry and the listener registry feed it.
type Subscriptions interface {
	TwitchUserIDs() []string
	ChannelsFor(twitchUserID string) []string
}

// Poller drives the live transition cycle: poll current status for every
// watched streamer, open a live record and announce on stream-up, close the
// record and edit the announcements into a summary on stream-down.
type Poller struct {
	db       *sql.DB
	source   StreamSource
	announce Announcer
	subs     []Subscriptions

	interval      time.Duration
	activityEvery int
	cycle         int

	// open live records by twitch user id, loaded once and maintained.
	open map[string]*openStream
}

type openStream struct {
	liveID int64
	last   Stream
}

func NewPoller(db *sql.DB, source StreamSource, announce Announcer, subs ...Subscriptions) *Poller {
	return &Poller{
		db:            db,
		source:        source,
		announce:      announce,
		subs:          subs,
		interval:      DefaultPollInterval,
		activityEvery: DefaultActivityEvery,
		open:          map[string]*openStream{},
	}
}

// SetInterval overrides the poll cadence.
func (p *Poller) SetInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

// SetActivityEvery overrides how often viewer activity is sampled.
func (p *Poller) SetActivityEvery(n int) {
	if n > 0 {
		p.activityEvery = n
	}
}

// ForgetMessage drops a posted announcement from tracking after its Discord
// message was deleted, so stream-down does not try to edit a ghost.
func (p *Poller) ForgetMessage(ctx context.Context, messageID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM live_messages WHERE message_id=$1`, messageID)
	return err
}

// Run polls until the context ends. Open live records are recovered from
// storage first so a restart does not re-announce running streams.
func (p *Poller) Run(ctx context.Context) {
	if err := p.recover(ctx); err != nil {
		slog.Error("recovering open live records failed", slog.Any("err", err))
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			telemetry.TimeFunc(telemetry.PollDuration, func() {
				if err := p.poll(ctx); err != nil {
					slog.Warn("live poll failed", slog.Any("err", err))
				}
			})
		}
	}
}

func (p *Poller) recover(ctx context.Context) error {
	rows, err := p.db.QueryContext(ctx, `SELECT id, twitch_user_id FROM live_streams WHERE ended_at IS NULL`)
	if err != nil {
		return fmt.Errorf("read open live records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id int64
		var userID string
		if err := rows.Scan(&id, &userID); err != nil {
			return fmt.Errorf("scan open live record: %w", err)
		}
		p.open[userID] = &openStream{liveID: id, last: Stream{UserID: userID}}
	}
	telemetry.SetGauge(telemetry.LiveStreamsGauge, float64(len(p.open)))
	return rows.Err()
}

// poll runs one full transition cycle.
func (p *Poller) poll(ctx context.Context) error {
	telemetry.IncCounter(telemetry.LivePolls)
	p.cycle++

	ids := p.watchedIDs()
	if len(ids) == 0 {
		return nil
	}

	live := map[string]Stream{}
	for _, batch := range chunk(ids, batchSize) {
		streams, err := p.source.LiveStreams(ctx, batch)
		if err != nil {
			return fmt.Errorf("fetch live streams: %w", err)
		}
		for _, s := range streams {
			live[s.UserID] = s
		}
	}

	for userID, s := range live {
		if open, ok := p.open[userID]; ok {
			open.last = s
			continue
		}
		if err := p.streamUp(ctx, s); err != nil {
			slog.Warn("stream-up handling failed", slog.String("twitch_user_id", userID), slog.Any("err", err))
		}
	}
	for userID, open := range p.open {
		if _, stillLive := live[userID]; stillLive {
			continue
		}
		if err := p.streamDown(ctx, userID, open); err != nil {
			slog.Warn("stream-down handling failed", slog.String("twitch_user_id", userID), slog.Any("err", err))
		}
	}

	if p.activityEvery > 0 && p.cycle%p.activityEvery == 0 {
		p.sampleActivity(ctx)
	}
	telemetry.SetGauge(telemetry.LiveStreamsGauge, float64(len(p.open)))
	return nil
}

func (p *Poller) watchedIDs() []string {
	seen := map[string]bool{}
	var out []string
	for _, sub := range p.subs {
		for _, id := range sub.TwitchUserIDs() {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func (p *Poller) channelsFor(userID string) []string {
	seen := map[string]bool{}
	var out []string
	for _, sub := range p.subs {
		for _, ch := range sub.ChannelsFor(userID) {
			if ch != "" && !seen[ch] {
				seen[ch] = true
				out = append(out, ch)
			}
		}
	}
	return out
}

// streamUp opens a live record and announces to every distinct channel.
func (p *Poller) streamUp(ctx context.Context, s Stream) error {
	var liveID int64
	err := p.db.QueryRowContext(ctx, `INSERT INTO live_streams (twitch_user_id, started_at) VALUES ($1,$2) RETURNING id`,
		s.UserID, s.StartedAt).Scan(&liveID)
	if err != nil {
		return fmt.Errorf("open live record: %w", err)
	}
	p.open[s.UserID] = &openStream{liveID: liveID, last: s}
	p.recordActivity(ctx, liveID, s)

	for _, channelID := range p.channelsFor(s.UserID) {
		messageID, err := p.announce.AnnounceLive(ctx, channelID, s)
		if err != nil {
			slog.Warn("live announcement failed", slog.String("channel_id", channelID), slog.Any("err", err))
			continue
		}
		telemetry.IncCounter(telemetry.LiveAnnouncements)
		if _, err := p.db.ExecContext(ctx, `INSERT INTO live_messages (message_id, channel_id, live_id) VALUES ($1,$2,$3)`,
			messageID, channelID, liveID); err != nil {
			slog.Warn("recording announcement failed", slog.String("message_id", messageID), slog.Any("err", err))
		}
	}
	slog.Info("stream up", slog.String("twitch_user_id", s.UserID), slog.String("login", s.UserLogin), slog.String("game", s.GameName))
	return nil
}

// streamDown closes the live record and edits prior announcements into a
// summary instead of posting new messages.
func (p *Poller) streamDown(ctx context.Context, userID string, open *openStream) error {
	if _, err := p.db.ExecContext(ctx, `UPDATE live_streams SET ended_at=NOW() WHERE id=$1 AND ended_at IS NULL`, open.liveID); err != nil {
		return fmt.Errorf("close live record: %w", err)
	}
	delete(p.open, userID)

	summary, err := p.Summarize(ctx, open.liveID)
	if err != nil {
		slog.Warn("activity summary failed", slog.Int64("live_id", open.liveID), slog.Any("err", err))
		summary = Summary{}
	}

	rows, err := p.db.QueryContext(ctx, `SELECT message_id, channel_id FROM live_messages WHERE live_id=$1`, open.liveID)
	if err != nil {
		return fmt.Errorf("read announcements: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var messageID, channelID string
		if err := rows.Scan(&messageID, &channelID); err != nil {
			return fmt.Errorf("scan announcement: %w", err)
		}
		if err := p.announce.EditOffline(ctx, channelID, messageID, open.last, summary); err != nil {
			slog.Warn("offline edit failed", slog.String("message_id", messageID), slog.Any("err", err))
		}
	}
	slog.Info("stream down", slog.String("twitch_user_id", userID), slog.Int64("live_id", open.liveID))
	return rows.Err()
}

// sampleActivity records one viewer/game sample per open stream and edits
// the announcements so the viewer count stays current while live.
func (p *Poller) sampleActivity(ctx context.Context) {
	for _, open := range p.open {
		if open.last.UserID == "" {
			continue
		}
		p.recordActivity(ctx, open.liveID, open.last)
		p.refreshAnnouncements(ctx, open.liveID, open.last)
	}
}

func (p *Poller) recordActivity(ctx context.Context, liveID int64, s Stream) {
	if _, err := p.db.ExecContext(ctx, `INSERT INTO live_activity (live_id, game_name, viewers) VALUES ($1,$2,$3)`,
		liveID, s.GameName, s.ViewerCount); err != nil {
		slog.Warn("recording activity sample failed", slog.Int64("live_id", liveID), slog.Any("err", err))
	}
}

func (p *Poller) refreshAnnouncements(ctx context.Context, liveID int64, s Stream) {
	rows, err := p.db.QueryContext(ctx, `SELECT message_id, channel_id FROM live_messages WHERE live_id=$1`, liveID)
	if err != nil {
		slog.Warn("reading announcements failed", slog.Int64("live_id", liveID), slog.Any("err", err))
		return
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var messageID, channelID string
		if err := rows.Scan(&messageID, &channelID); err != nil {
			slog.Warn("scanning announcement failed", slog.Any("err", err))
			return
		}
		if err := p.announce.EditLive(ctx, channelID, messageID, s); err != nil {
			slog.Warn("live edit failed", slog.String("message_id", messageID), slog.Any("err", err))
		}
	}
	if err := rows.Err(); err != nil {
		slog.Warn("reading announcements failed", slog.Int64("live_id", liveID), slog.Any("err", err))
	}
}

// Summary aggregates the recorded activity of one live session, overall
// and broken down per game.
type Summary struct {
	AvgViewers float64
	MinViewers int
	MaxViewers int
	Samples    int
	Games      []GameSummary
}

// GameSummary is the viewer aggregate for one game within a session.
type GameSummary struct {
	GameName   string
	AvgViewers float64
	MinViewers int
	MaxViewers int
	Samples    int
}

// Summarize aggregates the activity samples of a live session, overall and
// per game.
func (p *Poller) Summarize(ctx context.Context, liveID int64) (Summary, error) {
	var sum Summary
	if err := p.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(viewers),0), COALESCE(MIN(viewers),0), COALESCE(MAX(viewers),0), COUNT(*)
		FROM live_activity WHERE live_id=$1`, liveID).
		Scan(&sum.AvgViewers, &sum.MinViewers, &sum.MaxViewers, &sum.Samples); err != nil {
		return Summary{}, fmt.Errorf("aggregate activity: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `SELECT COALESCE(game_name,''), AVG(viewers), MIN(viewers), MAX(viewers), COUNT(*)
		FROM live_activity WHERE live_id=$1 GROUP BY game_name ORDER BY COUNT(*) DESC`, liveID)
	if err != nil {
		return Summary{}, fmt.Errorf("aggregate activity: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var g GameSummary
		if err := rows.Scan(&g.GameName, &g.AvgViewers, &g.MinViewers, &g.MaxViewers, &g.Samples); err != nil {
			return Summary{}, fmt.Errorf("scan activity aggregate: %w", err)
		}
		sum.Games = append(sum.Games, g)
	}
	if err := rows.Err(); err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// chunk splits ids into batches no larger than size.
func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = batchSize
	}
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
