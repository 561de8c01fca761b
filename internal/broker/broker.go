package broker

import (
	"fx-trading-bot/internal/interfaces"
	"fx-trading-bot/internal/market"
)

// Broker is a gateway that also serves market data. Both the OANDA practice
// client and the in-process paper broker implement it.
type Broker interface {
	interfaces.BrokerGateway
	market.Source
}
