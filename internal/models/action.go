package models

import "fmt"

// ActionKind tags the variant carried by an Action.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionPlaceOrder
	ActionCancelOrder
	ActionForceClose
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "NoAction"
	case ActionPlaceOrder:
		return "PlaceOrder"
	case ActionCancelOrder:
		return "CancelOrder"
	case ActionForceClose:
		return "ForceClose"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is the single decision the engine makes per tick.
type Action struct {
	Kind       ActionKind
	Side       Side
	Price      float64
	Size       float64
	OrderID    string // CancelOrder only
	LevelIndex int    // grid level backing a PlaceOrder, -1 otherwise
	Reason     string
}

// NoAction 不执行任何操作
func NoAction() Action {
	return Action{Kind: ActionNone, LevelIndex: -1}
}

// PlaceOrder 下一笔限价单
func PlaceOrder(side Side, price, size float64, reason string) Action {
	return Action{Kind: ActionPlaceOrder, Side: side, Price: price, Size: size, LevelIndex: -1, Reason: reason}
}

// PlaceGridOrder 下一笔与网格档位绑定的订单
func PlaceGridOrder(side Side, price, size float64, level int) Action {
	return Action{Kind: ActionPlaceOrder, Side: side, Price: price, Size: size, LevelIndex: level, Reason: "grid"}
}

// CancelOrder 撤销一笔挂单
func CancelOrder(orderID, reason string) Action {
	return Action{Kind: ActionCancelOrder, OrderID: orderID, LevelIndex: -1, Reason: reason}
}

// ForceClose 以市价平掉整个仓位
func ForceClose(side Side, price, size float64, reason string) Action {
	return Action{Kind: ActionForceClose, Side: side, Price: price, Size: size, LevelIndex: -1, Reason: reason}
}

func (a Action) String() string {
	switch a.Kind {
	case ActionPlaceOrder, ActionForceClose:
		return fmt.Sprintf("%s{%s %.8g @ %.8g, %s}", a.Kind, a.Side, a.Size, a.Price, a.Reason)
	case ActionCancelOrder:
		return fmt.Sprintf("%s{%s, %s}", a.Kind, a.OrderID, a.Reason)
	default:
		return a.Kind.String()
	}
}
