package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-issuance-engine/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-issuance-engine/internal/adapters/mongo"
	"github.com/robertarktes/ticket-issuance-engine/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-issuance-engine/internal/app"
	"github.com/robertarktes/ticket-issuance-engine/internal/config"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	httphandler "github.com/robertarktes/ticket-issuance-engine/internal/http"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
	"github.com/robertarktes/ticket-issuance-engine/internal/outbox"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const paymentQueue = "tie.payments"

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Terminate(ctx) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatal(err)
	}
	return host + ":" + mapped.Port()
}

type orderBody struct {
	ID      uuid.UUID `json:"id"`
	Status  string    `json:"status"`
	Total   string    `json:"total"`
	Tickets []struct {
		ID         uuid.UUID `json:"id"`
		Credential string    `json:"credential"`
	} `json:"tickets"`
}

func getOrder(t *testing.T, base string, id uuid.UUID) orderBody {
	t.Helper()
	resp, err := http.Get(base + "/v1/orders/" + id.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var o orderBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&o))
	return o
}

func TestIntegration_OrderPayScan(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	crdbAddr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "cockroachdb/cockroach:v24.1.1",
		Cmd:          []string{"start-single-node", "--insecure"},
		ExposedPorts: []string{"26257/tcp", "8080/tcp"},
		WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
	}, "26257")
	mongoAddr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForListeningPort("27017/tcp"),
	}, "27017")
	redisAddr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForExec([]string{"redis-cli", "ping"}),
	}, "6379")
	rabbitAddr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete"),
	}, "5672")

	cfg := &config.Config{
		CRDBDSN:         fmt.Sprintf("postgresql://root@%s/defaultdb?sslmode=disable", crdbAddr),
		MongoURI:        "mongodb://" + mongoAddr,
		RedisAddr:       redisAddr,
		RabbitURL:       "amqp://guest:guest@" + rabbitAddr + "/",
		StorageDriver:   config.StorageCRDB,
		RateLimitStore:  config.RateLimitStoreRedis,
		RateLimits:      map[string]config.RateLimit{},
		TicketSecret:    "integration-secret",
		DefaultPageSize: 20,
		MaxPageSize:     100,
		ReplayTTL:       time.Hour,
		OrderTTL:        15 * time.Minute,
		PaymentQueue:    paymentQueue,
	}
	logger := observability.NewNopLogger()

	a, err := app.Build(ctx, cfg, logger)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Migrate(ctx))

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	require.NoError(t, err)
	defer mongoClient.Disconnect(context.Background())
	catalog := mongoadapter.NewCatalogRepository(mongoClient.Database("tie"), logger)

	event := domain.Event{ID: uuid.New(), Name: "Harbour Lights", Venue: "Pier 4", StartsAt: time.Now().Add(time.Hour), EndsAt: time.Now().Add(4 * time.Hour)}
	require.NoError(t, catalog.CreateEvent(ctx, event))
	total := 10
	ga := domain.TicketType{ID: uuid.New(), EventID: event.ID, Name: "General", UnitPrice: decimal.RequireFromString("30.00"), UnitFee: decimal.RequireFromString("2.00"), TotalInventory: &total}
	require.NoError(t, a.Storage.(*crdb.Repository).CreateTicketType(ctx, ga))

	ready := make([]httphandler.Pinger, 0, len(a.Ready))
	for _, p := range a.Ready {
		ready = append(ready, p)
	}
	h := httphandler.NewHandlers(a.Service, a.Scanner, a.Policies, a.Metrics, logger, ready...)
	srv := httptest.NewServer(httphandler.SetupRouter(h, logger, a.Policies, a.Replay, a.Metrics))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := fmt.Sprintf(`{"purchaser_email":"dock@example.com","selection":[{"ticket_type_id":%q,"quantity":2}]}`, ga.ID)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/events/"+event.ID.String()+"/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httphandler.IdempotencyKeyHeader, "integration-order-0001")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))
	var created orderBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "64.00", created.Total)

	conn, err := amqp.Dial(cfg.RabbitURL)
	require.NoError(t, err)
	defer conn.Close()

	consumer, err := rabbit.NewConsumer(conn, paymentQueue, logger)
	require.NoError(t, err)
	defer consumer.Close()
	consumer.Requeue = domain.IsRetryable
	go consumer.Consume(ctx, a.Service.HandlePaymentMessage)

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()
	confirmation, _ := json.Marshal(map[string]string{"order_id": created.ID.String(), "payment_id": "pay_integration", "result": "succeeded"})
	for i := 0; i < 2; i++ {
		require.NoError(t, ch.PublishWithContext(ctx, "", paymentQueue, false, false, amqp.Publishing{ContentType: "application/json", Body: confirmation}))
	}

	require.Eventually(t, func() bool {
		return getOrder(t, srv.URL, created.ID).Status == "paid"
	}, 30*time.Second, 200*time.Millisecond)
	paid := getOrder(t, srv.URL, created.ID)
	require.Len(t, paid.Tickets, 2)

	scan, _ := json.Marshal(map[string]string{"credential": paid.Tickets[0].Credential, "gate": "north"})
	resp, err = http.Post(srv.URL+"/v1/tickets/scan", "application/json", bytes.NewReader(scan))
	require.NoError(t, err)
	var scanned struct {
		Outcome string `json:"outcome"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&scanned))
	resp.Body.Close()
	assert.Equal(t, "valid", scanned.Outcome)

	pub, err := rabbit.NewPublisher(conn)
	require.NoError(t, err)
	defer pub.Close()
	events, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(events.Name, "order.#", rabbit.Exchange, false, nil))

	n, err := outbox.NewPublisher(a.Storage, pub, logger, a.Metrics).PublishBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var msg amqp.Delivery
	require.Eventually(t, func() bool {
		var ok bool
		msg, ok, err = ch.Get(events.Name, true)
		return err == nil && ok
	}, 10*time.Second, 100*time.Millisecond)
	assert.Equal(t, outbox.EventOrderPaid, msg.Type)
	assert.Equal(t, outbox.EventOrderPaid+":"+created.ID.String(), msg.MessageId)
}
