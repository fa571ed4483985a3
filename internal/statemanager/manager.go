package statemanager

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"crypto-orchestrator-bots/internal/engine"
	"crypto-orchestrator-bots/internal/idgen"
	"crypto-orchestrator-bots/internal/models"
	"crypto-orchestrator-bots/internal/persistence"

	"go.uber.org/zap"
)

// Bot pairs a stored config with its latest state.
type Bot struct {
	Config *models.BotConfig
	State  *models.BotState
}

// transitions 描述允许的状态迁移
var transitions = map[models.Status][]models.Status{
	models.StatusCreated: {models.StatusRunning},
	models.StatusRunning: {models.StatusStopped, models.StatusError},
	models.StatusStopped: {models.StatusRunning},
	models.StatusError:   {models.StatusCreated},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves st to the given status or returns ErrInvalidTransition.
func Transition(st *models.BotState, to models.Status) error {
	if !CanTransition(st.Status, to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, st.Status, to)
	}
	st.Status = to
	return nil
}

// StateManager is the owner-scoped store for bot configs and states. Every
// value handed out is a deep copy; callers mutate their copy and Save it.
type StateManager struct {
	repo   persistence.BotRepository
	logger *zap.Logger
	now    func() time.Time

	// mu serializes read-modify-write sequences on configs (replace, delete).
	// Tick state saves do not take it.
	mu sync.Mutex
}

func NewStateManager(repo persistence.BotRepository, logger *zap.Logger) *StateManager {
	return &StateManager{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Create validates cfg, assigns id, owner and creation time, and stores it
// with a fresh CREATED state.
func (sm *StateManager) Create(owner string, cfg models.BotConfig) (*models.BotConfig, *models.BotState, error) {
	cfg.Owner = strings.TrimSpace(owner)
	if cfg.ID == "" {
		cfg.ID = idgen.NewBotID()
	}
	if cfg.Mode == "" {
		cfg.Mode = models.ModePaper
	}
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	cfg.CreatedAt = sm.now().UTC()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	st := engine.NewState(cfg)
	st.UpdatedAt = cfg.CreatedAt
	if err := sm.repo.Create(&cfg, st); err != nil {
		return nil, nil, err
	}
	sm.logger.Info("bot created",
		zap.String("bot_id", cfg.ID),
		zap.String("owner", cfg.Owner),
		zap.String("strategy", string(cfg.Strategy)),
		zap.String("symbol", cfg.Symbol))
	return &cfg, st.Clone(), nil
}

// Load returns the bot only when it belongs to owner. A bot owned by someone
// else is reported as ErrNotFound.
func (sm *StateManager) Load(owner, id string) (*models.BotConfig, *models.BotState, error) {
	cfg, st, err := sm.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Owner != owner {
		return nil, nil, fmt.Errorf("%w: bot %s", models.ErrNotFound, id)
	}
	return cfg, st, nil
}

// Get loads a bot without the owner check. Internal callers only.
func (sm *StateManager) Get(id string) (*models.BotConfig, *models.BotState, error) {
	cfg, err := sm.repo.GetConfig(id)
	if err != nil {
		return nil, nil, err
	}
	st, err := sm.repo.GetState(id)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

// Save persists st wholesale, bumping its version. Last writer wins.
func (sm *StateManager) Save(st *models.BotState) error {
	st.Version++
	st.UpdatedAt = sm.now().UTC()
	if err := sm.repo.SaveState(st); err != nil {
		sm.logger.Error("保存机器人状态失败", zap.String("bot_id", st.BotID), zap.Error(err))
		return err
	}
	return nil
}

// Replace swaps the config of a bot that is not RUNNING. Identity fields are
// kept; strategy scratch state is rebuilt for the new parameters while the
// fill history stays. A futures bot keeps its opening position and close flag.
func (sm *StateManager) Replace(owner, id string, next models.BotConfig) (*models.BotConfig, *models.BotState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cfg, st, err := sm.Load(owner, id)
	if err != nil {
		return nil, nil, err
	}
	if st.Status == models.StatusRunning {
		return nil, nil, fmt.Errorf("%w: bot %s is running", models.ErrInvalidState, id)
	}
	if len(st.OpenOrders) > 0 {
		return nil, nil, fmt.Errorf("%w: bot %s has %d open orders", models.ErrInvalidState, id, len(st.OpenOrders))
	}

	next.ID, next.Owner, next.CreatedAt = cfg.ID, cfg.Owner, cfg.CreatedAt
	if next.Mode == "" {
		next.Mode = cfg.Mode
	}
	next.Symbol = strings.ToUpper(strings.TrimSpace(next.Symbol))
	if err := next.Validate(); err != nil {
		return nil, nil, err
	}

	fresh := engine.NewState(next)
	fresh.Status = st.Status
	fresh.FilledOrders = st.FilledOrders
	fresh.AverageCost, fresh.EntryAverage, fresh.PositionSize = st.AverageCost, st.EntryAverage, st.PositionSize
	fresh.RealizedPnl, fresh.UnrealizedPnl = st.RealizedPnl, st.UnrealizedPnl
	fresh.LastTickAt, fresh.LastOrderAt, fresh.LastPrice = st.LastTickAt, st.LastOrderAt, st.LastPrice
	fresh.Version = st.Version
	if cfg.Strategy == models.StrategyFutures && next.Strategy == models.StrategyFutures {
		// 已存在的仓位和平仓标记跟随机器人，不随参数重建
		fresh.Opening = st.Opening
		fresh.PositionClosed, fresh.CloseReason = st.PositionClosed, st.CloseReason
	}

	if err := sm.repo.SaveConfig(&next); err != nil {
		return nil, nil, err
	}
	if err := sm.Save(fresh); err != nil {
		return nil, nil, err
	}
	sm.logger.Info("bot config replaced", zap.String("bot_id", id))
	return &next, fresh.Clone(), nil
}

// Delete removes a bot that is not RUNNING.
func (sm *StateManager) Delete(owner, id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	_, st, err := sm.Load(owner, id)
	if err != nil {
		return err
	}
	if st.Status == models.StatusRunning {
		return fmt.Errorf("%w: stop bot %s before deleting it", models.ErrInvalidState, id)
	}
	if err := sm.repo.Delete(id); err != nil {
		return err
	}
	sm.logger.Info("bot deleted", zap.String("bot_id", id), zap.String("owner", owner))
	return nil
}

// List returns the owner's bots ordered by creation time.
func (sm *StateManager) List(owner string) ([]Bot, error) {
	return sm.list(func(c *models.BotConfig) bool { return c.Owner == owner })
}

// ListAll returns every bot; used on startup to restore running bots.
func (sm *StateManager) ListAll() ([]Bot, error) {
	return sm.list(func(*models.BotConfig) bool { return true })
}

func (sm *StateManager) list(keep func(*models.BotConfig) bool) ([]Bot, error) {
	configs, err := sm.repo.ListConfigs()
	if err != nil {
		return nil, err
	}
	bots := make([]Bot, 0, len(configs))
	for _, cfg := range configs {
		if !keep(cfg) {
			continue
		}
		st, err := sm.repo.GetState(cfg.ID)
		if err != nil {
			sm.logger.Warn("bot config without state", zap.String("bot_id", cfg.ID), zap.Error(err))
			continue
		}
		bots = append(bots, Bot{Config: cfg, State: st})
	}
	sort.SliceStable(bots, func(i, j int) bool {
		return bots[i].Config.CreatedAt.Before(bots[j].Config.CreatedAt)
	})
	return bots, nil
}
