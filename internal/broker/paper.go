package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Paper is an in-memory Gateway used for dry runs and tests. Limit orders
// rest in the book until Step moves the price through them; market orders
// fill immediately at the current price.
type Paper struct {
	mu sync.Mutex

	prices   map[string]int64
	candles  map[string][]Candle
	books    map[string]OrderBook
	holdings map[string]*Holding
	cash     float64

	open   []OrderResponse
	closed []OrderResponse

	// FillDelay simulates orders that do not fill immediately; when > 0
	// limit orders rest until Step is called that many times.
	FillDelay int
	delays    map[string]int
}

func NewPaper(cash float64) *Paper {
	return &Paper{
		prices:   make(map[string]int64),
		candles:  make(map[string][]Candle),
		books:    make(map[string]OrderBook),
		holdings: make(map[string]*Holding),
		cash:     cash,
		delays:   make(map[string]int),
	}
}

// SetPrice sets the current price for symbol and fills any resting limit
// orders it crosses.
func (p *Paper) SetPrice(symbol string, price int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	p.fillCrossed(symbol, price)
}

// SetCandles replaces the recent candles for symbol.
func (p *Paper) SetCandles(symbol string, candles []Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[symbol] = candles
}

// SetOrderBook replaces the order book for symbol.
func (p *Paper) SetOrderBook(symbol string, book OrderBook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.books[symbol] = book
}

// Step decrements fill delays and fills matured orders at their limit price.
func (p *Paper) Step() {
	p.mu.Lock()
	defer p.mu.Unlock()
	remaining := p.open[:0]
	for _, o := range p.open {
		if p.delays[o.OrderID] > 0 {
			p.delays[o.OrderID]--
			remaining = append(remaining, o)
			continue
		}
		p.execute(o, o.Price)
	}
	p.open = remaining
}

func (p *Paper) CurrentPrice(ctx context.Context, symbol string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return 0, NewError(Permanent, "CurrentPrice", "unknown symbol "+symbol, nil)
	}
	return price, nil
}

func (p *Paper) OrderBook(ctx context.Context, symbol string) (OrderBook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if book, ok := p.books[symbol]; ok {
		return book, nil
	}
	// Synthesize a one-level book around the current price.
	price := p.prices[symbol]
	tick := TickSize(price)
	return OrderBook{
		Symbol: symbol,
		Bids:   []Quote{{Price: price - tick, Quantity: 100}},
		Asks:   []Quote{{Price: price + tick, Quantity: 100}},
	}, nil
}

func (p *Paper) RecentCandles(ctx context.Context, symbol string, n int) ([]Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs := p.candles[symbol]
	if len(cs) > n {
		cs = cs[len(cs)-n:]
	}
	out := make([]Candle, len(cs))
	copy(out, cs)
	return out, nil
}

func (p *Paper) Holdings(ctx context.Context) ([]Holding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Holding, 0, len(p.holdings))
	for _, h := range p.holdings {
		if h.Quantity > 0 {
			out = append(out, *h)
		}
	}
	return out, nil
}

func (p *Paper) Balance(ctx context.Context) (Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	eval := p.cash
	for sym, h := range p.holdings {
		eval += float64(p.prices[sym]) * float64(h.Quantity)
	}
	return Balance{Cash: p.cash, TotalEval: eval}, nil
}

func (p *Paper) SubmitLimitOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.Quantity <= 0 {
		return OrderResponse{}, NewError(Permanent, "SubmitLimitOrder", "quantity must be positive", nil)
	}
	resp := OrderResponse{
		OrderID:   uuid.New().String(),
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Status:    StatusOpen,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Timestamp: time.Now(),
	}
	price := p.prices[req.Symbol]
	crosses := (req.Side == Buy && req.Price >= price) || (req.Side == Sell && req.Price <= price)
	if crosses && p.FillDelay == 0 {
		p.execute(resp, price)
		resp.Status = StatusFilled
		resp.FilledQty = resp.Quantity
		resp.AvgPrice = float64(price)
		return resp, nil
	}
	p.delays[resp.OrderID] = p.FillDelay
	p.open = append(p.open, resp)
	return resp, nil
}

func (p *Paper) SubmitMarketOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.Quantity <= 0 {
		return OrderResponse{}, NewError(Permanent, "SubmitMarketOrder", "quantity must be positive", nil)
	}
	price := p.prices[req.Symbol]
	resp := OrderResponse{
		OrderID:   uuid.New().String(),
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Status:    StatusFilled,
		Price:     price,
		Quantity:  req.Quantity,
		FilledQty: req.Quantity,
		AvgPrice:  float64(price),
		Timestamp: time.Now(),
	}
	p.execute(resp, price)
	return resp, nil
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, o := range p.open {
		if o.OrderID == orderID {
			o.Status = StatusCanceled
			p.closed = append(p.closed, o)
			p.open = append(p.open[:i], p.open[i+1:]...)
			return nil
		}
	}
	return NewError(Permanent, "CancelOrder", "order not found: "+orderID, nil)
}

func (p *Paper) OpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return filterOrders(p.open, symbol), nil
}

func (p *Paper) ClosedOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return filterOrders(p.closed, symbol), nil
}

func filterOrders(orders []OrderResponse, symbol string) []OrderResponse {
	out := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

// execute applies a fill to holdings and cash. Caller holds the lock.
func (p *Paper) execute(o OrderResponse, price int64) {
	h, ok := p.holdings[o.Symbol]
	if !ok {
		h = &Holding{Symbol: o.Symbol}
		p.holdings[o.Symbol] = h
	}
	if o.Side == Buy {
		total := h.AvgPrice*float64(h.Quantity) + float64(price)*float64(o.Quantity)
		h.Quantity += o.Quantity
		h.AvgPrice = total / float64(h.Quantity)
		p.cash -= float64(price) * float64(o.Quantity)
	} else {
		if o.Quantity > h.Quantity {
			o.Quantity = h.Quantity
		}
		h.Quantity -= o.Quantity
		p.cash += float64(price) * float64(o.Quantity)
	}
	o.Status = StatusFilled
	o.FilledQty = o.Quantity
	o.AvgPrice = float64(price)
	p.closed = append(p.closed, o)
}

// fillCrossed fills resting limit orders crossed by the new price. Caller
// holds the lock.
func (p *Paper) fillCrossed(symbol string, price int64) {
	remaining := p.open[:0]
	for _, o := range p.open {
		if o.Symbol != symbol {
			remaining = append(remaining, o)
			continue
		}
		crosses := (o.Side == Buy && price <= o.Price) || (o.Side == Sell && price >= o.Price)
		if crosses && p.delays[o.OrderID] == 0 {
			p.execute(o, o.Price)
			continue
		}
		remaining = append(remaining, o)
	}
	p.open = remaining
}
