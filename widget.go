package supprt

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ConnectionStatus is the live-channel status overlaying every widget view.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusOffline      ConnectionStatus = "offline"
)

// InitFailure classifies why initialization failed. InvalidKey means the
// widget should not render at all; ServerUnreachable keeps a retry
// affordance.
type InitFailure string

const (
	InitFailureNone   InitFailure = ""
	InvalidKey        InitFailure = "invalid_key"
	ServerUnreachable InitFailure = "server_unreachable"
)

// UploadProgress reports per-file upload state for the presentation layer.
type UploadProgress struct {
	Filename string
	Progress int
}

// FileUpload is a file the user attached to a send.
type FileUpload struct {
	Name        string
	ContentType string
	Data        []byte
}

// State is the single source of truth for everything the widget renders.
// Snapshots handed to observers are value copies.
type State struct {
	IsOpen        bool
	IsLoading     bool
	IsInitialized bool
	IsSending     bool
	IsComposing   bool
	IsLoadingMore bool
	Error         string

	Token   string
	EndUser *EndUser
	Project *Project

	Conversations      []Conversation
	ActiveConversation *Conversation
	Messages           []Message

	AgentTyping      bool
	UploadProgress   *UploadProgress
	ConnectionStatus ConnectionStatus
	QueuedCount      int
	HasMore          bool
	InitFailure      InitFailure
}

// HasUnread reports whether any conversation carries the unread flag.
func (s *State) HasUnread() bool {
	for _, c := range s.Conversations {
		if c.HasUnread {
			return true
		}
	}
	return false
}

func (s *State) snapshot() State {
	out := *s
	out.Conversations = append([]Conversation(nil), s.Conversations...)
	out.Messages = append([]Message(nil), s.Messages...)
	if s.ActiveConversation != nil {
		active := *s.ActiveConversation
		out.ActiveConversation = &active
	}
	return out
}

// ============================================================================
// Widget
// ============================================================================

// WidgetConfig configures a widget instance.
type WidgetConfig struct {
	// Client performs the request/response calls. Required.
	Client *Client
	// User identifies a known end user; nil means anonymous fingerprint.
	User *UserIdentity
	// Realtime overrides the transport; nil builds a WebSocket channel from
	// the client's base URL and session token after init.
	Realtime Realtime
	// PageSize bounds message page fetches; zero uses the server default.
	PageSize int
	// Online is the initial network state; defaults to true.
	Offline bool
}

// Widget is one widget instance: the state machine plus its transport and
// outbox. There is no process-wide instance; Destroy releases everything.
type Widget struct {
	client   *Client
	user     *UserIdentity
	rt       Realtime
	pageSize int

	seen   *seenSet
	outbox *Outbox

	mu           sync.Mutex
	state        State
	online       bool
	initializing bool
	destroyed    bool
	onChange     []func(State)
}

// NewWidget creates a widget instance. It does not touch the network; call
// Initialize to perform the handshake and open the live channel.
func NewWidget(cfg WidgetConfig) (*Widget, error) {
	if cfg.Client == nil {
		return nil, errors.New("supprt: WidgetConfig.Client is required")
	}
	w := &Widget{
		client:   cfg.Client,
		user:     cfg.User,
		rt:       cfg.Realtime,
		pageSize: cfg.PageSize,
		seen:     newSeenSet(),
		outbox:   NewOutbox(),
		online:   !cfg.Offline,
	}
	w.state.ConnectionStatus = StatusConnected
	if cfg.Offline {
		w.state.ConnectionStatus = StatusOffline
	}
	return w, nil
}

// OnChange registers an observer invoked with a state snapshot after every
// commit. Observers run on the committing goroutine and must not block.
func (w *Widget) OnChange(fn func(State)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

// State returns a snapshot of the current widget state.
func (w *Widget) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.snapshot()
}

// QueuedMessages returns a copy of the offline outbox contents.
func (w *Widget) QueuedMessages() []QueuedMessage {
	return w.outbox.Pending()
}

// update is the single serialized commit point: every mutation reads the
// latest state under the lock, computes the next state, and commits it.
// Asynchronous completions therefore never clobber each other with stale
// snapshots captured when they began.
func (w *Widget) update(fn func(s *State)) {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return
	}
	fn(&w.state)
	snap := w.state.snapshot()
	observers := append([]func(State){}, w.onChange...)
	w.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

// Destroy tears down the widget: closes the live channel, drops observers,
// and blocks any further state commits.
func (w *Widget) Destroy() {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return
	}
	w.destroyed = true
	rt := w.rt
	w.rt = nil
	w.onChange = nil
	w.mu.Unlock()

	if rt != nil {
		rt.Close()
	}
}

// ============================================================================
// Initialization
// ============================================================================

// Initialize performs the init handshake exactly once per widget instance
// (concurrent duplicate calls are ignored) and opens the live channel so
// events arrive even while the window stays closed. Failure is classified
// into InvalidKey and ServerUnreachable.
func (w *Widget) Initialize(ctx context.Context) error {
	w.mu.Lock()
	if w.initializing || w.state.IsInitialized || w.destroyed {
		w.mu.Unlock()
		return nil
	}
	w.initializing = true
	w.mu.Unlock()

	w.update(func(s *State) {
		s.IsLoading = true
		s.Error = ""
	})

	resp, err := w.client.Init(ctx, w.user)
	if err != nil {
		w.mu.Lock()
		w.initializing = false
		w.mu.Unlock()

		failure := classifyInitError(err)
		w.update(func(s *State) {
			s.IsLoading = false
			s.Error = err.Error()
			s.InitFailure = failure
		})
		return err
	}

	w.update(func(s *State) {
		s.IsLoading = false
		s.IsInitialized = true
		s.InitFailure = InitFailureNone
		s.Token = resp.Token
		endUser := resp.EndUser
		s.EndUser = &endUser
		project := resp.Project
		s.Project = &project
		s.Conversations = sortConversations(resp.Conversations)
	})

	w.connectRealtime(ctx, resp.Token)
	return nil
}

// Retry re-arms initialization after a failure.
func (w *Widget) Retry(ctx context.Context) error {
	w.mu.Lock()
	w.initializing = false
	w.mu.Unlock()

	w.update(func(s *State) {
		s.Error = ""
		s.InitFailure = InitFailureNone
		s.IsInitialized = false
	})
	return w.Initialize(ctx)
}

// classifyInitError decides between a fatal key problem and a reachability
// problem. This is a heuristic over status codes and message content, not a
// structured contract from the backend.
func classifyInitError(err error) InitFailure {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case 401, 403:
			return InvalidKey
		}
		msg := strings.ToLower(apiErr.Message)
		if strings.Contains(msg, "invalid") || strings.Contains(msg, "not found") {
			return InvalidKey
		}
	}
	return ServerUnreachable
}

func (w *Widget) connectRealtime(ctx context.Context, token string) {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return
	}
	if w.rt == nil {
		w.rt = NewRealtimeWS(&RealtimeConfig{
			BaseURL: w.client.BaseURL(),
			Token:   token,
		})
	}
	rt := w.rt
	w.mu.Unlock()

	rt.OnMessage(w.handleMessageEvent)
	rt.OnConversation(w.handleConversationEvent)
	rt.OnTyping(w.handleTypingEvent)
	rt.OnConnected(func() { w.setConnectionStatus(StatusConnected) })
	rt.OnReconnecting(func(int, time.Duration) { w.setConnectionStatus(StatusReconnecting) })
	rt.OnDisconnected(func() { w.setConnectionStatus(StatusDisconnected) })

	rt.Connect(ctx)
}

// setConnectionStatus applies transport lifecycle to the status overlay.
// While offline the offline status wins over whatever the transport reports.
func (w *Widget) setConnectionStatus(status ConnectionStatus) {
	w.update(func(s *State) {
		if !w.online {
			s.ConnectionStatus = StatusOffline
			return
		}
		s.ConnectionStatus = status
	})
}

// ============================================================================
// Incoming transport events
// ============================================================================

func (w *Widget) handleMessageEvent(ev MessageEvent) {
	// Own sends were already appended optimistically.
	if ev.Message.SenderType == SenderUser {
		return
	}

	w.update(func(s *State) {
		// A fresh message supersedes any stale "still typing" signal.
		if s.ActiveConversation != nil && s.ActiveConversation.ID == ev.ConversationID {
			s.AgentTyping = false
		}

		if w.seen.Seen(ev.Message.ID) {
			return
		}

		if s.ActiveConversation != nil && s.ActiveConversation.ID == ev.ConversationID {
			w.seen.Add(ev.Message.ID)
			s.Messages = append(s.Messages, ev.Message)
			return
		}

		// Background conversation: refresh preview, unread flag, and order.
		msg := ev.Message
		now := time.Now().UTC().Format(time.RFC3339)
		updated := make([]Conversation, len(s.Conversations))
		for i, c := range s.Conversations {
			if c.ID == ev.ConversationID {
				c.HasUnread = true
				c.LastMessage = &msg
				c.UpdatedAt = now
			}
			updated[i] = c
		}
		s.Conversations = sortConversations(updated)
	})
}

func (w *Widget) handleConversationEvent(ev ConversationEvent) {
	w.update(func(s *State) {
		if s.ActiveConversation != nil && s.ActiveConversation.ID == ev.ConversationID {
			active := *s.ActiveConversation
			active.Status = ev.Status
			s.ActiveConversation = &active
		}
		for i, c := range s.Conversations {
			if c.ID == ev.ConversationID {
				s.Conversations[i].Status = ev.Status
			}
		}
	})
}

func (w *Widget) handleTypingEvent(ev TypingEvent) {
	// Only non-widget sources count, and only for the visible conversation.
	if ev.Source == "widget" {
		return
	}
	w.update(func(s *State) {
		if s.ActiveConversation != nil && s.ActiveConversation.ID == ev.ConversationID {
			s.AgentTyping = ev.IsTyping
		}
	})
}

// ============================================================================
// View transitions
// ============================================================================

// ToggleOpen flips the chat window open or closed.
func (w *Widget) ToggleOpen() {
	w.update(func(s *State) { s.IsOpen = !s.IsOpen })
}

// CloseWindow closes the chat window and clears any outstanding typing
// signal for the active conversation.
func (w *Widget) CloseWindow(ctx context.Context) {
	w.mu.Lock()
	rt := w.rt
	active := w.state.ActiveConversation
	w.mu.Unlock()

	if rt != nil && active != nil {
		rt.SetTyping(ctx, active.ID, false)
	}
	w.update(func(s *State) { s.IsOpen = false })
}

// StartNewConversation switches to the composing view with no active
// conversation.
func (w *Widget) StartNewConversation() {
	w.seen.Reset()
	w.update(func(s *State) {
		s.IsComposing = true
		s.ActiveConversation = nil
		s.Messages = nil
		s.HasMore = false
		s.AgentTyping = false
	})
}

// BackToList returns to the conversation list: stops typing, leaves the
// room, and re-sorts the list from local state using the latest message.
// No network round-trip is involved.
func (w *Widget) BackToList(ctx context.Context) {
	w.mu.Lock()
	rt := w.rt
	active := w.state.ActiveConversation
	w.mu.Unlock()

	if rt != nil && active != nil {
		rt.SetTyping(ctx, active.ID, false)
		rt.Leave(ctx, active.ID)
	}
	w.seen.Reset()

	w.update(func(s *State) {
		s.IsComposing = false
		s.HasMore = false
		s.AgentTyping = false

		var last *Message
		if n := len(s.Messages); n > 0 {
			m := s.Messages[n-1]
			last = &m
		}
		if s.ActiveConversation != nil {
			now := time.Now().UTC().Format(time.RFC3339)
			for i, c := range s.Conversations {
				if c.ID != s.ActiveConversation.ID {
					continue
				}
				if last != nil {
					s.Conversations[i].LastMessage = last
					s.Conversations[i].UpdatedAt = now
				}
			}
			s.Conversations = sortConversations(s.Conversations)
		}
		s.ActiveConversation = nil
		s.Messages = nil
	})
}

// SelectConversation opens a conversation: leaves the previous room, joins
// the new one, resets the duplicate guard from the fetched page, and
// optimistically clears the unread flag while the mark-as-read call is still
// in flight.
func (w *Widget) SelectConversation(ctx context.Context, conversation Conversation) error {
	w.mu.Lock()
	rt := w.rt
	prev := w.state.ActiveConversation
	w.mu.Unlock()

	if rt != nil {
		if prev != nil {
			rt.Leave(ctx, prev.ID)
		}
		rt.Join(ctx, conversation.ID)
	}

	w.update(func(s *State) {
		conv := conversation
		s.IsComposing = false
		s.HasMore = false
		s.AgentTyping = false
		s.ActiveConversation = &conv
		s.IsLoading = true
	})

	var opts *PageOptions
	if w.pageSize > 0 {
		opts = &PageOptions{Limit: w.pageSize}
	}
	page, err := w.client.GetConversation(ctx, conversation.ID, opts)
	if err != nil {
		w.update(func(s *State) {
			s.IsLoading = false
			s.Error = err.Error()
		})
		return err
	}

	ids := make([]string, len(page.Conversation.Messages))
	for i, m := range page.Conversation.Messages {
		ids[i] = m.ID
	}
	w.seen.Reset(ids...)

	if conversation.HasUnread {
		// Clear locally right away; the read receipt is fire-and-forget.
		go w.client.MarkAsRead(context.WithoutCancel(ctx), conversation.ID)
	}

	w.update(func(s *State) {
		s.IsLoading = false
		s.Messages = page.Conversation.Messages
		s.HasMore = page.HasMore
		if conversation.HasUnread {
			for i, c := range s.Conversations {
				if c.ID == conversation.ID {
					s.Conversations[i].HasUnread = false
				}
			}
			if s.ActiveConversation != nil && s.ActiveConversation.ID == conversation.ID {
				active := *s.ActiveConversation
				active.HasUnread = false
				s.ActiveConversation = &active
			}
		}
	})
	return nil
}

// LoadMore fetches the next-older message page and prepends it. It is a
// no-op unless the last fetch reported more pages and no load is in flight.
func (w *Widget) LoadMore(ctx context.Context) error {
	w.mu.Lock()
	if w.state.ActiveConversation == nil || !w.state.HasMore || w.state.IsLoadingMore || len(w.state.Messages) == 0 {
		w.mu.Unlock()
		return nil
	}
	active := w.state.ActiveConversation.ID
	oldest := w.state.Messages[0].ID
	w.mu.Unlock()

	w.update(func(s *State) { s.IsLoadingMore = true })

	opts := &PageOptions{Before: oldest}
	if w.pageSize > 0 {
		opts.Limit = w.pageSize
	}
	page, err := w.client.GetConversation(ctx, active, opts)
	if err != nil {
		w.update(func(s *State) {
			s.IsLoadingMore = false
			s.Error = err.Error()
		})
		return err
	}

	for _, m := range page.Conversation.Messages {
		w.seen.Add(m.ID)
	}

	w.update(func(s *State) {
		s.IsLoadingMore = false
		s.HasMore = page.HasMore
		s.Messages = append(append([]Message(nil), page.Conversation.Messages...), s.Messages...)
	})
	return nil
}

// ============================================================================
// Sending
// ============================================================================

// Send delivers a message to the active conversation, or creates a new
// conversation when none is active. While offline, text-only sends are
// queued in the outbox; sends carrying files fail with
// ErrOfflineAttachments.
func (w *Widget) Send(ctx context.Context, content string, files []FileUpload) error {
	w.mu.Lock()
	online := w.online
	w.mu.Unlock()

	if !online {
		if len(files) > 0 {
			w.update(func(s *State) { s.Error = ErrOfflineAttachments.Error() })
			return ErrOfflineAttachments
		}
		w.outbox.Enqueue(content)
		w.update(func(s *State) { s.QueuedCount = w.outbox.Len() })
		return nil
	}
	return w.sendInternal(ctx, content, files)
}

func (w *Widget) sendInternal(ctx context.Context, content string, files []FileUpload) error {
	w.mu.Lock()
	active := w.state.ActiveConversation
	rt := w.rt
	w.mu.Unlock()

	w.update(func(s *State) { s.IsSending = true })

	fail := func(err error) error {
		w.update(func(s *State) {
			s.IsSending = false
			s.UploadProgress = nil
			s.Error = err.Error()
		})
		return err
	}

	if active != nil {
		var attachments []AttachmentInput
		if len(files) > 0 {
			var err error
			attachments, err = w.uploadFiles(ctx, active.ID, files)
			if err != nil {
				return fail(err)
			}
		}

		resp, err := w.client.SendMessage(ctx, active.ID, content, attachments)
		if err != nil {
			return fail(err)
		}
		msg := normalizeOwnMessage(resp.Message)
		// Register before the server broadcast of this message can arrive.
		w.seen.Add(msg.ID)
		w.update(func(s *State) {
			s.IsSending = false
			s.Messages = append(s.Messages, msg)
		})
		return nil
	}

	// No active conversation: create one, join its room, then ship the
	// attachments (if any) as a follow-up message once uploads complete.
	resp, err := w.client.CreateConversation(ctx, content, nil)
	if err != nil {
		return fail(err)
	}
	if rt != nil {
		rt.Join(ctx, resp.Conversation.ID)
	}

	first := normalizeOwnMessage(resp.Message)
	w.seen.Reset(first.ID)
	w.update(func(s *State) {
		conv := resp.Conversation
		s.IsComposing = false
		s.ActiveConversation = &conv
		s.Conversations = append([]Conversation{resp.Conversation}, s.Conversations...)
		s.Messages = []Message{first}
	})

	if len(files) > 0 {
		attachments, err := w.uploadFiles(ctx, resp.Conversation.ID, files)
		if err != nil {
			return fail(err)
		}
		followup, err := w.client.SendMessage(ctx, resp.Conversation.ID, "", attachments)
		if err != nil {
			return fail(err)
		}
		msg := normalizeOwnMessage(followup.Message)
		w.seen.Add(msg.ID)
		w.update(func(s *State) {
			s.IsSending = false
			s.Messages = append(s.Messages, msg)
		})
		return nil
	}

	w.update(func(s *State) { s.IsSending = false })
	return nil
}

// uploadFiles pushes each file through the signed-URL flow, reporting
// per-file progress, and returns the attachment references for the send.
func (w *Widget) uploadFiles(ctx context.Context, conversationID string, files []FileUpload) ([]AttachmentInput, error) {
	attachments := make([]AttachmentInput, 0, len(files))

	for _, f := range files {
		name := f.Name
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		w.update(func(s *State) {
			s.UploadProgress = &UploadProgress{Filename: name}
		})

		signed, err := w.client.GetUploadURL(ctx, conversationID, name, contentType, int64(len(f.Data)))
		if err != nil {
			return nil, err
		}

		err = w.client.UploadFile(ctx, signed.UploadURL, contentType, f.Data, func(uploaded, total int64) {
			progress := 100
			if total > 0 {
				progress = int(uploaded * 100 / total)
			}
			w.update(func(s *State) {
				s.UploadProgress = &UploadProgress{Filename: name, Progress: progress}
			})
		})
		if err != nil {
			return nil, err
		}

		attachments = append(attachments, AttachmentInput{
			Key:         signed.Key,
			Filename:    name,
			ContentType: contentType,
			Size:        int64(len(f.Data)),
		})
	}

	w.update(func(s *State) { s.UploadProgress = nil })
	return attachments, nil
}

// normalizeOwnMessage fills in fields the server may omit for the sender's
// own echo of a just-created message.
func normalizeOwnMessage(m Message) Message {
	m.SenderType = SenderUser
	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return m
}

// ============================================================================
// Typing, downloads, errors
// ============================================================================

// SetTyping signals the widget's own typing state for the active
// conversation, fire-and-forget.
func (w *Widget) SetTyping(ctx context.Context, isTyping bool) {
	w.mu.Lock()
	rt := w.rt
	active := w.state.ActiveConversation
	w.mu.Unlock()

	if rt == nil || active == nil {
		return
	}
	rt.SetTyping(ctx, active.ID, isTyping)
}

// DownloadAttachment resolves a short-lived signed URL for an attachment.
func (w *Widget) DownloadAttachment(ctx context.Context, attachmentID string) (string, error) {
	resp, err := w.client.GetDownloadURL(ctx, attachmentID)
	if err != nil {
		return "", err
	}
	return resp.DownloadURL, nil
}

// ClearError dismisses the user-visible error banner.
func (w *Widget) ClearError() {
	w.update(func(s *State) { s.Error = "" })
}

// ============================================================================
// Connectivity
// ============================================================================

// SetOnline feeds the host environment's network state into the widget.
// Coming back online reconnects the live channel and drains the outbox in
// enqueue order; failed entries are re-queued for a later drain.
func (w *Widget) SetOnline(ctx context.Context, online bool) {
	w.mu.Lock()
	if w.online == online {
		w.mu.Unlock()
		return
	}
	w.online = online
	rt := w.rt
	w.mu.Unlock()

	if !online {
		w.update(func(s *State) { s.ConnectionStatus = StatusOffline })
		return
	}

	w.update(func(s *State) { s.ConnectionStatus = StatusConnected })
	if rt != nil {
		rt.Connect(ctx)
	}

	w.outbox.Drain(ctx, func(ctx context.Context, msg QueuedMessage) error {
		return w.sendInternal(ctx, msg.Content, nil)
	})
	w.update(func(s *State) { s.QueuedCount = w.outbox.Len() })
}

// ============================================================================
// Helpers
// ============================================================================

// sortConversations orders by updatedAt descending. Timestamps are RFC 3339;
// unparseable values fall back to lexicographic order, which matches for
// same-format strings.
func sortConversations(conversations []Conversation) []Conversation {
	sort.SliceStable(conversations, func(i, j int) bool {
		ti, errI := time.Parse(time.RFC3339, conversations[i].UpdatedAt)
		tj, errJ := time.Parse(time.RFC3339, conversations[j].UpdatedAt)
		if errI != nil || errJ != nil {
			return conversations[i].UpdatedAt > conversations[j].UpdatedAt
		}
		return ti.After(tj)
	})
	return conversations
}
