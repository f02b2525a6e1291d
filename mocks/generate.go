package mocks

//go:generate mockgen -destination=./mock_exchange.go -package=mocks github.com/rxtech-lab/argo-harvester/internal/exchange Exchange
//go:generate mockgen -destination=./mock_sink.go -package=mocks github.com/rxtech-lab/argo-harvester/internal/events Sink
