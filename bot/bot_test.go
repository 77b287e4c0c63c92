package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streamwarden/backend/command"
	"github.com/onnwee/streamwarden/backend/repo"
	"github.com/onnwee/streamwarden/backend/twitchapi"
)

type fakeChannels struct {
	channels map[string]repo.Channel
}

func (f *fakeChannels) Get(_ context.Context, id string) (*repo.Channel, error) {
	if ch, ok := f.channels[id]; ok {
		c := ch
		return &c, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeChannels) ListEnabled(context.Context) ([]repo.Channel, error) {
	var out []repo.Channel
	for _, ch := range f.channels {
		if ch.Enabled {
			out = append(out, ch)
		}
	}
	return out, nil
}

type fakeCommands struct {
	mu          sync.Mutex
	configs     map[string]repo.CommandConfig // key channelID/name
	redemptions map[string]repo.RedemptionConfig
	upserts     []repo.CommandConfig
	deletes     []string
}

func (f *fakeCommands) key(channelID, name string) string { return channelID + "/" + name }

func (f *fakeCommands) Get(_ context.Context, channelID, name string) (*repo.CommandConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cc, ok := f.configs[f.key(channelID, name)]; ok {
		c := cc
		return &c, nil
	}
	for _, cc := range f.configs {
		if cc.ChannelID != channelID {
			continue
		}
		for _, a := range cc.Aliases {
			if a == name {
				c := cc
				return &c, nil
			}
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeCommands) List(_ context.Context, channelID string) ([]repo.CommandConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repo.CommandConfig
	for _, cc := range f.configs {
		if cc.ChannelID == channelID {
			out = append(out, cc)
		}
	}
	return out, nil
}

func (f *fakeCommands) Upsert(_ context.Context, cfg repo.CommandConfig) (*repo.CommandConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configs == nil {
		f.configs = map[string]repo.CommandConfig{}
	}
	f.configs[f.key(cfg.ChannelID, cfg.Name)] = cfg
	f.upserts = append(f.upserts, cfg)
	return &cfg, nil
}

func (f *fakeCommands) Delete(_ context.Context, channelID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cc, ok := f.configs[f.key(channelID, name)]
	if !ok {
		return repo.ErrNotFound
	}
	if cc.Type == repo.CommandBuiltin {
		return &repo.ValidationError{Field: "command_type", Reason: "builtin"}
	}
	delete(f.configs, f.key(channelID, name))
	f.deletes = append(f.deletes, f.key(channelID, name))
	return nil
}

func (f *fakeCommands) EnsureDefaults(context.Context, string) error { return nil }

func (f *fakeCommands) FindRedemptionByReward(_ context.Context, channelID, rewardName string) (*repo.RedemptionConfig, error) {
	if rc, ok := f.redemptions[channelID+"/"+rewardName]; ok && rc.Enabled {
		c := rc
		return &c, nil
	}
	return nil, repo.ErrNotFound
}

type fakeBirthdays struct {
	birthdays map[string]repo.Birthday
	due       []repo.Birthday
}

func (f *fakeBirthdays) bkey(channelID, user string) string {
	return channelID + "/" + strings.ToLower(user)
}

func (f *fakeBirthdays) Get(_ context.Context, channelID, userName string) (*repo.Birthday, error) {
	if b, ok := f.birthdays[f.bkey(channelID, userName)]; ok {
		c := b
		return &c, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeBirthdays) Upsert(_ context.Context, channelID, userName string, month time.Month, day int) (*repo.Birthday, error) {
	if month < time.January || month > time.December || day < 1 || day > 31 {
		return nil, &repo.ValidationError{Field: "birth_day", Reason: "out of range"}
	}
	if f.birthdays == nil {
		f.birthdays = map[string]repo.Birthday{}
	}
	b := repo.Birthday{ChannelID: channelID, UserName: userName, Month: month, Day: day}
	f.birthdays[f.bkey(channelID, userName)] = b
	return &b, nil
}

func (f *fakeBirthdays) Remove(_ context.Context, channelID, userName string) error {
	if _, ok := f.birthdays[f.bkey(channelID, userName)]; !ok {
		return repo.ErrNotFound
	}
	delete(f.birthdays, f.bkey(channelID, userName))
	return nil
}

func (f *fakeBirthdays) DueOn(context.Context, time.Month, int) ([]repo.Birthday, error) {
	return f.due, nil
}

type fakeAnalytics struct {
	mu       sync.Mutex
	current  map[string]repo.Session
	uses     []string
	events   []string
	started  []string
	ended    []string
	summary  repo.SessionSummary
	top      []repo.CommandCount
	nextID   int
}

func (f *fakeAnalytics) StartSession(_ context.Context, channelID, title string) (*repo.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s := repo.Session{ID: "s" + strings.Repeat("x", f.nextID), ChannelID: channelID, Title: title, StartedAt: time.Now()}
	if f.current == nil {
		f.current = map[string]repo.Session{}
	}
	f.current[channelID] = s
	f.started = append(f.started, channelID)
	return &s, nil
}

func (f *fakeAnalytics) EndSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch, s := range f.current {
		if s.ID == sessionID {
			delete(f.current, ch)
		}
	}
	f.ended = append(f.ended, sessionID)
	return nil
}

func (f *fakeAnalytics) CurrentSession(_ context.Context, channelID string) (*repo.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.current[channelID]; ok {
		c := s
		return &c, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeAnalytics) Summary(context.Context, string) (*repo.SessionSummary, error) {
	s := f.summary
	return &s, nil
}

func (f *fakeAnalytics) RecordCommandUse(_ context.Context, channelID, sessionID, cmd string) error {
	f.mu.Lock()
	f.uses = append(f.uses, channelID+"/"+sessionID+"/"+cmd)
	f.mu.Unlock()
	return nil
}

func (f *fakeAnalytics) RecordStreamEvent(_ context.Context, channelID, sessionID, eventType, _ string) error {
	f.mu.Lock()
	f.events = append(f.events, channelID+"/"+eventType)
	f.mu.Unlock()
	return nil
}

func (f *fakeAnalytics) TopCommands(context.Context, string, int) ([]repo.CommandCount, error) {
	return f.top, nil
}

type fakeHelix struct {
	users   map[string]twitchapi.User
	streams map[string]*twitchapi.Stream
}

func (f *fakeHelix) GetUsers(_ context.Context, logins ...string) ([]twitchapi.User, error) {
	var out []twitchapi.User
	for _, l := range logins {
		if u, ok := f.users[l]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeHelix) GetStream(_ context.Context, login string) (*twitchapi.Stream, error) {
	return f.streams[login], nil
}

func newTestBot() (*Bot, *fakeCommands, *fakeAnalytics) {
	cmds := &fakeCommands{
		configs: map[string]repo.CommandConfig{
			"123/hi":     {ChannelID: "123", Name: "hi", Type: repo.CommandCustom, Enabled: true, Response: "hello $(user)", MinRole: repo.RoleEveryone},
			"123/old":    {ChannelID: "123", Name: "old", Type: repo.CommandCustom, Enabled: true, Response: "!hi", MinRole: repo.RoleEveryone},
			"123/help":   {ChannelID: "123", Name: "help", Type: repo.CommandBuiltin, Enabled: true, MinRole: repo.RoleEveryone},
			"123/uptime": {ChannelID: "123", Name: "uptime", Type: repo.CommandBuiltin, Enabled: true, MinRole: repo.RoleEveryone},
			"123/birthday": {ChannelID: "123", Name: "birthday", Type: repo.CommandBuiltin, Enabled: true, MinRole: repo.RoleEveryone},
			"123/command":  {ChannelID: "123", Name: "command", Type: repo.CommandBuiltin, Enabled: true, MinRole: repo.RoleModerator},
			"123/shoutout": {ChannelID: "123", Name: "shoutout", Type: repo.CommandBuiltin, Enabled: true, MinRole: repo.RoleModerator},
			"123/secret":   {ChannelID: "123", Name: "secret", Type: repo.CommandCustom, Enabled: false, Response: "shh", MinRole: repo.RoleEveryone},
		},
		redemptions: map[string]repo.RedemptionConfig{
			"123/Hydrate": {ChannelID: "123", ActionType: "announce", RewardName: "Hydrate", Enabled: true},
		},
	}
	analytics := &fakeAnalytics{}
	b := &Bot{
		Prefix: "!",
		Channels: &fakeChannels{channels: map[string]repo.Channel{
			"123": {ID: "123", Name: "somechannel", Enabled: true, DefaultCooldown: 5},
			"999": {ID: "999", Name: "parked", Enabled: false},
		}},
		Commands:  cmds,
		Birthdays: &fakeBirthdays{},
		Analytics: analytics,
		Helix:     &fakeHelix{users: map[string]twitchapi.User{"friend": {ID: "7", Login: "friend", DisplayName: "Friend"}}},
	}
	return b, cmds, analytics
}

func msg(text string) Message {
	return Message{
		ChannelID:   "123",
		ChannelName: "somechannel",
		UserName:    "Viewer",
		Role:        repo.RoleEveryone,
		Text:        text,
	}
}

func TestHandleCustomCommand(t *testing.T) {
	b, _, _ := newTestBot()
	got := b.Handle(context.Background(), msg("!hi"))
	if got != "hello Viewer" {
		t.Fatalf("Handle = %q, want %q", got, "hello Viewer")
	}
}

func TestHandleSilentCases(t *testing.T) {
	b, _, _ := newTestBot()
	ctx := context.Background()
	cases := map[string]Message{
		"plain chat":       msg("hello everyone"),
		"unknown command":  msg("!nope"),
		"disabled command": msg("!secret"),
		"denied command":   msg("!command add x y"),
	}
	for name, m := range cases {
		if got := b.Handle(ctx, m); got != "" {
			t.Errorf("%s: Handle = %q, want silence", name, got)
		}
	}

	off := msg("!hi")
	off.ChannelID = "999"
	if got := b.Handle(ctx, off); got != "" {
		t.Errorf("disabled channel: Handle = %q, want silence", got)
	}
	unknown := msg("!hi")
	unknown.ChannelID = "555"
	if got := b.Handle(ctx, unknown); got != "" {
		t.Errorf("unknown channel: Handle = %q, want silence", got)
	}
}

func TestHandleRedirectOneHop(t *testing.T) {
	b, cmds, _ := newTestBot()
	got := b.Handle(context.Background(), msg("!old"))
	if got != "hello Viewer" {
		t.Fatalf("redirect Handle = %q, want resolved target reply", got)
	}

	// A redirect whose target is itself a redirect stops after one hop.
	cmds.configs["123/loop"] = repo.CommandConfig{
		ChannelID: "123", Name: "loop", Type: repo.CommandCustom, Enabled: true,
		Response: "!old", MinRole: repo.RoleEveryone,
	}
	got = b.Handle(context.Background(), msg("!loop"))
	if got != "!hi" {
		t.Fatalf("chained redirect Handle = %q, want literal %q", got, "!hi")
	}
}

func TestHandleAliasLookup(t *testing.T) {
	b, cmds, _ := newTestBot()
	cmds.configs["123/lurk"] = repo.CommandConfig{
		ChannelID: "123", Name: "lurk", Type: repo.CommandCustom, Enabled: true,
		Response: "enjoy the lurk, $(user)", MinRole: repo.RoleEveryone, Aliases: []string{"away"},
	}
	if got := b.Handle(context.Background(), msg("!away")); got != "enjoy the lurk, Viewer" {
		t.Fatalf("alias Handle = %q", got)
	}
}

func TestHandleCooldown(t *testing.T) {
	b, cmds, _ := newTestBot()
	cc := cmds.configs["123/hi"]
	cc.CooldownSeconds = 30
	cmds.configs["123/hi"] = cc
	b.Cooldowns = command.NewCooldownTracker()
	ctx := context.Background()

	if got := b.Handle(ctx, msg("!hi")); got == "" {
		t.Fatal("first use should reply")
	}
	if got := b.Handle(ctx, msg("!hi")); got != "" {
		t.Fatalf("second use inside cooldown = %q, want silence", got)
	}
	// Moderators bypass cooldowns.
	m := msg("!hi")
	m.Role = repo.RoleModerator
	if got := b.Handle(ctx, m); got == "" {
		t.Fatal("moderator should bypass cooldown")
	}
}

func TestHandleRecordsUseDuringSession(t *testing.T) {
	b, _, analytics := newTestBot()
	ctx := context.Background()

	b.Handle(ctx, msg("!hi"))
	if len(analytics.uses) != 0 {
		t.Fatalf("uses = %v, want none while offline", analytics.uses)
	}

	b.live.set("123", "sess-1")
	b.Handle(ctx, msg("!hi"))
	if len(analytics.uses) != 1 || analytics.uses[0] != "123/sess-1/hi" {
		t.Fatalf("uses = %v", analytics.uses)
	}
}

func TestHandleRedemption(t *testing.T) {
	b, _, analytics := newTestBot()
	ctx := context.Background()

	m := msg("")
	m.RewardName = "Hydrate"
	if got := b.Handle(ctx, m); got != "Viewer redeemed Hydrate!" {
		t.Fatalf("redemption Handle = %q", got)
	}

	m.RewardName = "Unknown"
	if got := b.Handle(ctx, m); got != "" {
		t.Fatalf("unknown redemption = %q, want silence", got)
	}

	// During a session the redemption is recorded as an event.
	b.live.set("123", "sess-1")
	m.RewardName = "Hydrate"
	b.Handle(ctx, m)
	if len(analytics.events) != 1 || analytics.events[0] != "123/redemption" {
		t.Fatalf("events = %v", analytics.events)
	}
}

func TestBuiltinHelpFiltersByRole(t *testing.T) {
	b, _, _ := newTestBot()
	got := b.Handle(context.Background(), msg("!help"))
	if !strings.Contains(got, "!hi") || !strings.Contains(got, "!help") {
		t.Fatalf("help = %q, missing visible commands", got)
	}
	if strings.Contains(got, "!command") || strings.Contains(got, "!secret") {
		t.Fatalf("help = %q, leaked mod-only or disabled commands", got)
	}
}

func TestBuiltinUptime(t *testing.T) {
	b, _, analytics := newTestBot()
	ctx := context.Background()

	if got := b.Handle(ctx, msg("!uptime")); got != "somechannel is offline." {
		t.Fatalf("offline uptime = %q", got)
	}

	analytics.current = map[string]repo.Session{
		"123": {ID: "s1", ChannelID: "123", StartedAt: time.Now().Add(-90 * time.Minute)},
	}
	got := b.Handle(ctx, msg("!uptime"))
	if !strings.Contains(got, "1h 30m") {
		t.Fatalf("uptime = %q, want 1h 30m", got)
	}
}

func TestBuiltinBirthdayLifecycle(t *testing.T) {
	b, _, _ := newTestBot()
	ctx := context.Background()

	if got := b.Handle(ctx, msg("!birthday")); !strings.Contains(got, "no birthday registered") {
		t.Fatalf("unregistered birthday = %q", got)
	}
	if got := b.Handle(ctx, msg("!birthday set 6/15")); !strings.Contains(got, "June 15") {
		t.Fatalf("birthday set = %q", got)
	}
	if got := b.Handle(ctx, msg("!birthday")); !strings.Contains(got, "June 15") {
		t.Fatalf("birthday show = %q", got)
	}
	if got := b.Handle(ctx, msg("!birthday set 13/40")); !strings.Contains(got, "not a valid date") {
		t.Fatalf("invalid birthday = %q", got)
	}
	if got := b.Handle(ctx, msg("!birthday remove")); !strings.Contains(got, "removed") {
		t.Fatalf("birthday remove = %q", got)
	}
}

func TestBuiltinCommandManagement(t *testing.T) {
	b, cmds, _ := newTestBot()
	ctx := context.Background()
	mod := func(text string) Message {
		m := msg(text)
		m.Role = repo.RoleModerator
		return m
	}

	if got := b.Handle(ctx, mod("!command add greet welcome $(user)")); !strings.Contains(got, "saved") {
		t.Fatalf("command add = %q", got)
	}
	saved := cmds.configs["123/greet"]
	if saved.Type != repo.CommandCustom || saved.Response != "welcome $(user)" || saved.CooldownSeconds != 5 {
		t.Fatalf("saved config = %+v", saved)
	}

	if got := b.Handle(ctx, msg("!greet")); got != "welcome Viewer" {
		t.Fatalf("new command = %q", got)
	}

	if got := b.Handle(ctx, mod("!command disable greet")); !strings.Contains(got, "disable") {
		t.Fatalf("command disable = %q", got)
	}
	if got := b.Handle(ctx, msg("!greet")); got != "" {
		t.Fatalf("disabled command replied %q", got)
	}
	if got := b.Handle(ctx, mod("!command enable greet")); !strings.Contains(got, "enable") {
		t.Fatalf("command enable = %q", got)
	}

	if got := b.Handle(ctx, mod("!command add help nope")); !strings.Contains(got, "builtin") {
		t.Fatalf("builtin replace = %q", got)
	}
	if got := b.Handle(ctx, mod("!command remove help")); !strings.Contains(got, "builtin") {
		t.Fatalf("builtin remove = %q", got)
	}
	if got := b.Handle(ctx, mod("!command remove greet")); !strings.Contains(got, "removed") {
		t.Fatalf("command remove = %q", got)
	}
}

func TestBuiltinShoutout(t *testing.T) {
	b, _, _ := newTestBot()
	ctx := context.Background()
	m := msg("!shoutout @Friend")
	m.Role = repo.RoleModerator

	got := b.Handle(ctx, m)
	if !strings.Contains(got, "Friend") || !strings.Contains(got, "twitch.tv/friend") {
		t.Fatalf("shoutout = %q", got)
	}

	m.Text = "!shoutout"
	if got := b.Handle(ctx, m); !strings.Contains(got, "Usage") {
		t.Fatalf("shoutout usage = %q", got)
	}
}

func TestRoleFromBadges(t *testing.T) {
	cases := []struct {
		badges map[string]int
		want   repo.Role
	}{
		{map[string]int{"broadcaster": 1, "subscriber": 12}, repo.RoleBroadcaster},
		{map[string]int{"moderator": 1}, repo.RoleModerator},
		{map[string]int{"vip": 1, "subscriber": 3}, repo.RoleVIP},
		{map[string]int{"subscriber": 3}, repo.RoleSubscriber},
		{map[string]int{"founder": 1}, repo.RoleSubscriber},
		{map[string]int{}, repo.RoleEveryone},
		{nil, repo.RoleEveryone},
	}
	for _, tc := range cases {
		if got := roleFromBadges(tc.badges); got != tc.want {
			t.Errorf("roleFromBadges(%v) = %s, want %s", tc.badges, got, tc.want)
		}
	}
}

func TestSessionTrackerTransitions(t *testing.T) {
	b, _, analytics := newTestBot()
	helix := b.Helix.(*fakeHelix)
	helix.streams = map[string]*twitchapi.Stream{}
	ctx := context.Background()

	// Offline -> offline: nothing happens.
	b.pollSessions(ctx)
	if len(analytics.started) != 0 {
		t.Fatalf("started = %v, want none", analytics.started)
	}

	// Goes live.
	helix.streams["somechannel"] = &twitchapi.Stream{ID: "str1", Title: "playing games", StartedAt: time.Now()}
	b.pollSessions(ctx)
	if len(analytics.started) != 1 || analytics.started[0] != "123" {
		t.Fatalf("started = %v", analytics.started)
	}
	if b.live.get("123") == "" {
		t.Fatal("live session map not set")
	}
	// Still live: no duplicate session.
	b.pollSessions(ctx)
	if len(analytics.started) != 1 {
		t.Fatalf("started = %v, want one session", analytics.started)
	}

	// Goes offline.
	delete(helix.streams, "somechannel")
	b.pollSessions(ctx)
	if len(analytics.ended) != 1 {
		t.Fatalf("ended = %v", analytics.ended)
	}
	if b.live.get("123") != "" {
		t.Fatal("live session map not cleared")
	}
	want := []string{"123/live", "123/offline"}
	if len(analytics.events) != 2 || analytics.events[0] != want[0] || analytics.events[1] != want[1] {
		t.Fatalf("events = %v, want %v", analytics.events, want)
	}
}

func TestAnnounceBirthdays(t *testing.T) {
	b, _, _ := newTestBot()
	b.Birthdays = &fakeBirthdays{due: []repo.Birthday{
		{ChannelID: "123", UserName: "Viewer", Month: time.June, Day: 15},
		{ChannelID: "999", UserName: "Parked", Month: time.June, Day: 15}, // disabled channel
	}}
	var said []string
	b.Say = func(channel, text string) { said = append(said, channel+": "+text) }

	if err := b.announceBirthdays(context.Background(), time.Date(2026, 6, 15, 0, 30, 0, 0, time.UTC)); err != nil {
		t.Fatalf("announceBirthdays: %v", err)
	}
	if len(said) != 1 || !strings.Contains(said[0], "somechannel") || !strings.Contains(said[0], "@Viewer") {
		t.Fatalf("said = %v", said)
	}
}

type fakeKV struct {
	vals map[string]string
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	return f.vals[key], nil
}

func (f *fakeKV) Set(_ context.Context, key, value string) error {
	if f.vals == nil {
		f.vals = map[string]string{}
	}
	f.vals[key] = value
	return nil
}

func TestBirthdayReminderSkipsAnnouncedDay(t *testing.T) {
	today := time.Now().Format("2006-01-02")

	b, _, _ := newTestBot()
	b.Birthdays = &fakeBirthdays{due: []repo.Birthday{
		{ChannelID: "123", UserName: "Viewer", Month: time.Now().Month(), Day: time.Now().Day()},
	}}
	kv := &fakeKV{vals: map[string]string{"birthdays_last_announced": today}}
	b.KV = kv
	var said []string
	b.Say = func(channel, text string) { said = append(said, channel+": "+text) }

	// Cancelled context: the loop runs its body once and returns.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.RunBirthdayReminders(ctx, time.Hour)
	if len(said) != 0 {
		t.Fatalf("said = %v, want none on an already-announced day", said)
	}

	// Fresh marker: the sweep runs and the day is persisted.
	kv.vals = map[string]string{}
	b.RunBirthdayReminders(ctx, time.Hour)
	if len(said) != 1 {
		t.Fatalf("said = %v, want one announcement", said)
	}
	if kv.vals["birthdays_last_announced"] != today {
		t.Fatalf("marker = %q, want %q", kv.vals["birthdays_last_announced"], today)
	}
}
