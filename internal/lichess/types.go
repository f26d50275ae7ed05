package lichess

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the server-reported game status.
type Status string

const (
	StatusCreated       Status = "created"
	StatusStarted       Status = "started"
	StatusAborted       Status = "aborted"
	StatusMate          Status = "mate"
	StatusResign        Status = "resign"
	StatusStalemate     Status = "stalemate"
	StatusTimeout       Status = "timeout"
	StatusDraw          Status = "draw"
	StatusOutOfTime     Status = "outoftime"
	StatusCheat         Status = "cheat"
	StatusNoStart       Status = "noStart"
	StatusUnknownFinish Status = "unknownFinish"
	StatusVariantEnd    Status = "variantEnd"
)

var knownStatuses = map[Status]struct{}{
	StatusCreated: {}, StatusStarted: {}, StatusAborted: {}, StatusMate: {},
	StatusResign: {}, StatusStalemate: {}, StatusTimeout: {}, StatusDraw: {},
	StatusOutOfTime: {}, StatusCheat: {}, StatusNoStart: {}, StatusUnknownFinish: {},
	StatusVariantEnd: {},
}

// ParseStatus maps unrecognized values to StatusUnknownFinish.
func ParseStatus(s string) Status {
	st := Status(s)
	if _, ok := knownStatuses[st]; ok {
		return st
	}
	return StatusUnknownFinish
}

// Terminal reports whether no further moves can happen in this status.
func (s Status) Terminal() bool {
	return s != StatusCreated && s != StatusStarted
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		// gameStart/gameFinish carry {"id":20,"name":"started"}
		var obj struct {
			Name string `json:"name"`
		}
		if err2 := json.Unmarshal(b, &obj); err2 != nil {
			return fmt.Errorf("status: %w", err)
		}
		raw = obj.Name
	}
	*s = ParseStatus(raw)
	return nil
}

// DeclineReason is the short code sent with a declined challenge.
type DeclineReason string

const (
	DeclineGeneric     DeclineReason = "generic"
	DeclineLater       DeclineReason = "later"
	DeclineTooFast     DeclineReason = "tooFast"
	DeclineTooSlow     DeclineReason = "tooSlow"
	DeclineTimeControl DeclineReason = "timeControl"
	DeclineRated       DeclineReason = "rated"
	DeclineCasual      DeclineReason = "casual"
	DeclineVariant     DeclineReason = "variant"
	DeclineStandard    DeclineReason = "standard"
	DeclineNoBot       DeclineReason = "noBot"
	DeclineOnlyBot     DeclineReason = "onlyBot"
)

// Account is the identity returned by /api/account.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Title    string `json:"title"`
}

func (a Account) IsBot() bool { return a.Title == "BOT" }

// Name renders "<title> <username>" or just the username.
func (a Account) Name() string {
	if a.Title == "" {
		return a.Username
	}
	return a.Title + " " + a.Username
}

type Variant struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type TimeControl struct {
	Type      string `json:"type"`
	Limit     int    `json:"limit"`
	Increment int    `json:"increment"`
}

// Player appears as challenger, destination user and gameFull white/black.
type Player struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Title       string `json:"title"`
	Rating      int    `json:"rating"`
	Provisional bool   `json:"provisional"`
	AILevel     int    `json:"aiLevel"`
}

func (p Player) IsBot() bool { return p.Title == "BOT" }

// Display renders the player for result lines.
func (p Player) Display() string {
	switch {
	case p.AILevel > 0:
		return fmt.Sprintf("Stockfish level %d", p.AILevel)
	case p.Title != "":
		return p.Title + " " + p.Name
	default:
		return p.Name
	}
}

type Challenge struct {
	ID            string      `json:"id"`
	Challenger    Player      `json:"challenger"`
	DestUser      *Player     `json:"destUser"`
	Variant       Variant     `json:"variant"`
	Rated         bool        `json:"rated"`
	Speed         string      `json:"speed"`
	TimeControl   TimeControl `json:"timeControl"`
	Color         string      `json:"color"`
	DeclineReason string      `json:"declineReason"`
}

// GameRef is the game payload of gameStart and gameFinish notifications.
type GameRef struct {
	GameID   string  `json:"gameId"`
	ID       string  `json:"id"`
	Color    string  `json:"color"`
	FEN      string  `json:"fen"`
	IsMyTurn bool    `json:"isMyTurn"`
	Status   Status  `json:"status"`
	Variant  Variant `json:"variant"`
	Rated    bool    `json:"rated"`
	Speed    string  `json:"speed"`
	Opponent struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Rating   int    `json:"rating"`
	} `json:"opponent"`
}

// Key returns the game id regardless of which field the server filled.
func (g GameRef) Key() string {
	if g.GameID != "" {
		return g.GameID
	}
	return g.ID
}

type AccountEventType string

const (
	EventPing              AccountEventType = "ping"
	EventChallenge         AccountEventType = "challenge"
	EventChallengeCanceled AccountEventType = "challengeCanceled"
	EventChallengeDeclined AccountEventType = "challengeDeclined"
	EventGameStart         AccountEventType = "gameStart"
	EventGameFinish        AccountEventType = "gameFinish"
)

// AccountEvent is one line of the account event stream. Exactly one of
// Challenge or Game is set for non-ping types.
type AccountEvent struct {
	Type      AccountEventType
	Challenge *Challenge
	Game      *GameRef
}

// ParseAccountEvent decodes a stream line. A blank line becomes a ping.
func ParseAccountEvent(line []byte) (AccountEvent, error) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return AccountEvent{Type: EventPing}, nil
	}
	var raw struct {
		Type      AccountEventType `json:"type"`
		Challenge *Challenge       `json:"challenge"`
		Game      *GameRef         `json:"game"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return AccountEvent{}, fmt.Errorf("decode account event: %w", err)
	}
	ev := AccountEvent{Type: raw.Type}
	switch raw.Type {
	case EventChallenge, EventChallengeCanceled, EventChallengeDeclined:
		if raw.Challenge == nil {
			return AccountEvent{}, fmt.Errorf("account event %s without challenge", raw.Type)
		}
		ev.Challenge = raw.Challenge
	case EventGameStart, EventGameFinish:
		if raw.Game == nil {
			return AccountEvent{}, fmt.Errorf("account event %s without game", raw.Type)
		}
		ev.Game = raw.Game
	case EventPing:
	default:
		return AccountEvent{}, fmt.Errorf("unknown account event type %q", raw.Type)
	}
	return ev, nil
}

type GameEventType string

const (
	GamePing         GameEventType = "ping"
	GameFull         GameEventType = "gameFull"
	GameStateUpdate  GameEventType = "gameState"
	GameChatLine     GameEventType = "chatLine"
	GameOpponentGone GameEventType = "opponentGone"
)

// GameState is the incremental part of a game: moves and clocks in milliseconds.
type GameState struct {
	Moves  string `json:"moves"`
	WTime  int64  `json:"wtime"`
	BTime  int64  `json:"btime"`
	WInc   int64  `json:"winc"`
	BInc   int64  `json:"binc"`
	Status Status `json:"status"`
	Winner string `json:"winner"`
}

// MoveList splits the space separated UCI move list.
func (s GameState) MoveList() []string {
	return strings.Fields(s.Moves)
}

type GameFullInfo struct {
	ID         string    `json:"id"`
	Variant    Variant   `json:"variant"`
	Speed      string    `json:"speed"`
	Rated      bool      `json:"rated"`
	White      Player    `json:"white"`
	Black      Player    `json:"black"`
	InitialFEN string    `json:"initialFen"`
	State      GameState `json:"state"`
}

type ChatLine struct {
	Room     string `json:"room"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

type OpponentGone struct {
	Gone              bool `json:"gone"`
	ClaimWinInSeconds *int `json:"claimWinInSeconds"`
}

// CanClaimWin reports whether claim-victory is allowed right now.
func (o OpponentGone) CanClaimWin() bool {
	return o.Gone && o.ClaimWinInSeconds != nil && *o.ClaimWinInSeconds == 0
}

// GameEvent is one line of a game stream. The payload field matching Type is set.
type GameEvent struct {
	Type     GameEventType
	Full     *GameFullInfo
	State    *GameState
	Chat     *ChatLine
	Opponent *OpponentGone
}

// terminal reports whether the event carries a concluded game status.
func (ev GameEvent) terminal() bool {
	var st Status
	switch {
	case ev.Full != nil:
		st = ev.Full.State.Status
	case ev.State != nil:
		st = ev.State.Status
	}
	return st != "" && st.Terminal()
}

// ParseGameEvent decodes a game stream line. A blank line becomes a ping.
func ParseGameEvent(line []byte) (GameEvent, error) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return GameEvent{Type: GamePing}, nil
	}
	var head struct {
		Type GameEventType `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return GameEvent{}, fmt.Errorf("decode game event: %w", err)
	}
	ev := GameEvent{Type: head.Type}
	var err error
	switch head.Type {
	case GameFull:
		ev.Full = &GameFullInfo{}
		err = json.Unmarshal(line, ev.Full)
	case GameStateUpdate:
		ev.State = &GameState{}
		err = json.Unmarshal(line, ev.State)
	case GameChatLine:
		ev.Chat = &ChatLine{}
		err = json.Unmarshal(line, ev.Chat)
	case GameOpponentGone:
		ev.Opponent = &OpponentGone{}
		err = json.Unmarshal(line, ev.Opponent)
	case GamePing:
	default:
		return GameEvent{}, fmt.Errorf("unknown game event type %q", head.Type)
	}
	if err != nil {
		return GameEvent{}, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return ev, nil
}

// Perf is one rating category of an online bot.
type Perf struct {
	Games  int  `json:"games"`
	Rating int  `json:"rating"`
	Prov   bool `json:"prov"`
}

// Bot is one entry of /api/bot/online.
type Bot struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	Title        string          `json:"title"`
	Disabled     bool            `json:"disabled"`
	TOSViolation bool            `json:"tosViolation"`
	Perfs        map[string]Perf `json:"perfs"`
}

// ChallengeRequest describes an outgoing challenge. Color is always random.
type ChallengeRequest struct {
	Username  string
	Rated     bool
	Initial   int
	Increment int
	Variant   string
}
