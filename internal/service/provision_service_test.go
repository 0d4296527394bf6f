package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/provisioning-service/internal/client"
	"github.com/wenwu/saas-platform/provisioning-service/internal/config"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
	"github.com/wenwu/saas-platform/provisioning-service/internal/protocol"
	"github.com/wenwu/saas-platform/provisioning-service/internal/repository"
)

// ==================== in-memory fakes ====================

type fakeOrders struct {
	order     *models.Order
	summaries map[string]*models.ItemSummary
}

func (f *fakeOrders) GetByID(ctx context.Context, id string) (*models.Order, error) {
	if f.order == nil || f.order.ID != id {
		return nil, repository.ErrNotFound
	}
	return f.order, nil
}

func (f *fakeOrders) UpdateStatus(ctx context.Context, id, status string) error {
	f.order.Status = status
	return nil
}

func (f *fakeOrders) UpdateItemSummary(ctx context.Context, itemID string, summary *models.ItemSummary) error {
	if f.summaries == nil {
		f.summaries = make(map[string]*models.ItemSummary)
	}
	f.summaries[itemID] = summary
	return nil
}

type fakePlans struct {
	plan       *models.ServerPlan
	increments int
}

func (f *fakePlans) GetByID(ctx context.Context, id string) (*models.ServerPlan, error) {
	if f.plan == nil || f.plan.ID != id {
		return nil, repository.ErrNotFound
	}
	return f.plan, nil
}

func (f *fakePlans) IncrementProvisioned(ctx context.Context, id string, delta int) error {
	f.increments += delta
	return nil
}

type fakeServers struct {
	server      *models.Server
	healthMarks []bool
}

func (f *fakeServers) GetByID(ctx context.Context, id string) (*models.Server, error) {
	if f.server == nil || f.server.ID != id {
		return nil, repository.ErrNotFound
	}
	return f.server, nil
}

func (f *fakeServers) MarkHealth(ctx context.Context, id string, healthy bool) error {
	f.healthMarks = append(f.healthMarks, healthy)
	f.server.IsHealthy = healthy
	return nil
}

type fakeInbounds struct {
	byID       map[string]*models.ServerInbound
	shared     *models.ServerInbound
	reserveErr error
	nextPort   int
	deleted    []string
	increments map[string]int
}

func newFakeInbounds() *fakeInbounds {
	return &fakeInbounds{
		byID:       make(map[string]*models.ServerInbound),
		nextPort:   23000,
		increments: make(map[string]int),
	}
}

func (f *fakeInbounds) GetByID(ctx context.Context, id string) (*models.ServerInbound, error) {
	in, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return in, nil
}

func (f *fakeInbounds) GetBestShared(ctx context.Context, serverID, protocol string) (*models.ServerInbound, error) {
	if f.shared == nil || f.shared.ServerID != serverID || f.shared.Protocol != protocol {
		return nil, repository.ErrNotFound
	}
	if !f.shared.Enabled || f.shared.RemoteID == nil || !f.shared.HasFreeSlot() {
		return nil, repository.ErrNotFound
	}
	return f.shared, nil
}

func (f *fakeInbounds) Create(ctx context.Context, in *models.ServerInbound) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	f.byID[in.ID] = in
	return nil
}

func (f *fakeInbounds) Update(ctx context.Context, in *models.ServerInbound) error {
	f.byID[in.ID] = in
	return nil
}

func (f *fakeInbounds) Delete(ctx context.Context, id string) error {
	delete(f.byID, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeInbounds) IncrementClients(ctx context.Context, id string, delta int) error {
	f.increments[id] += delta
	if in, ok := f.byID[id]; ok {
		in.ClientCount += delta
	}
	return nil
}

func (f *fakeInbounds) ReservePort(ctx context.Context, serverID string, reservedPorts []int, minPort, maxPort, attempts int) (*models.ServerInbound, error) {
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	f.nextPort++
	in := &models.ServerInbound{
		ID:        uuid.New().String(),
		ServerID:  serverID,
		Port:      f.nextPort,
		Remark:    "port-reserved",
		Dedicated: true,
	}
	f.byID[in.ID] = in
	return in, nil
}

type fakeClients struct {
	created []*models.ServerClient
}

func (f *fakeClients) Create(ctx context.Context, sc *models.ServerClient) error {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	f.created = append(f.created, sc)
	return nil
}

func (f *fakeClients) GetByOrderID(ctx context.Context, orderID string) ([]*models.ServerClient, error) {
	var out []*models.ServerClient
	for _, sc := range f.created {
		if sc.OrderID == orderID {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (f *fakeClients) GetActiveByCustomer(ctx context.Context, customerID string) ([]*models.ServerClient, error) {
	var out []*models.ServerClient
	for _, sc := range f.created {
		if sc.CustomerID == customerID && sc.Active {
			out = append(out, sc)
		}
	}
	return out, nil
}

type fakeAudits struct {
	rows []*models.OrderServerClient
}

func (f *fakeAudits) Create(ctx context.Context, row *models.OrderServerClient) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	f.rows = append(f.rows, row)
	return nil
}

func (f *fakeAudits) GetByOrderID(ctx context.Context, orderID string) ([]*models.OrderServerClient, error) {
	var out []*models.OrderServerClient
	for _, row := range f.rows {
		if row.OrderID == orderID {
			out = append(out, row)
		}
	}
	return out, nil
}

type fakeCache struct {
	invalidated []string
	statuses    map[string]string
}

func (f *fakeCache) InvalidateCustomer(ctx context.Context, customerID string) error {
	f.invalidated = append(f.invalidated, customerID)
	return nil
}

func (f *fakeCache) SetOrderStatus(ctx context.Context, orderID, status string) error {
	if f.statuses == nil {
		f.statuses = make(map[string]string)
	}
	f.statuses[orderID] = status
	return nil
}

type fakeNotifier struct {
	events []*models.OrderProvisionedEvent
}

func (f *fakeNotifier) NotifyOrderProvisioned(ctx context.Context, event *models.OrderProvisionedEvent) error {
	f.events = append(f.events, event)
	return nil
}

// addScript is one scripted AddClient response.
type addScript struct {
	result *client.PanelResult
	err    error
}

type fakePanel struct {
	nextRemoteID int
	remote       map[int]*client.RemoteInbound

	createReqs      []*client.CreateInboundRequest
	failCreateOnce  bool
	breakSniffing   bool
	deletedRemotes  []int
	addCalls        [][]map[string]interface{}
	addScripts      []addScript
	addTransportErr error
	listErr         error
}

func newFakePanel() *fakePanel {
	return &fakePanel{
		nextRemoteID: 100,
		remote:       make(map[int]*client.RemoteInbound),
	}
}

func (f *fakePanel) ListInbounds(ctx context.Context, server *models.Server) ([]client.RemoteInbound, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []client.RemoteInbound
	for _, in := range f.remote {
		out = append(out, *in)
	}
	return out, nil
}

func (f *fakePanel) CreateInbound(ctx context.Context, server *models.Server, req *client.CreateInboundRequest) (*client.RemoteInbound, error) {
	f.createReqs = append(f.createReqs, req)
	if f.failCreateOnce {
		f.failCreateOnce = false
		return nil, fmt.Errorf("create inbound rejected: invalid streamSettings")
	}

	f.nextRemoteID++
	in := &client.RemoteInbound{
		ID:             f.nextRemoteID,
		Port:           req.Port,
		Protocol:       req.Protocol,
		Remark:         req.Remark,
		Settings:       req.Settings,
		StreamSettings: req.StreamSettings,
		Sniffing:       req.Sniffing,
		Allocate:       req.Allocate,
		Enable:         true,
		Tag:            req.Tag,
	}
	if f.breakSniffing {
		in.Sniffing = `["corrupted"]`
	}
	f.remote[in.ID] = in
	return in, nil
}

func (f *fakePanel) GetInbound(ctx context.Context, server *models.Server, remoteID int) (*client.RemoteInbound, error) {
	in, ok := f.remote[remoteID]
	if !ok {
		return nil, fmt.Errorf("get inbound %d failed: not found", remoteID)
	}
	return in, nil
}

func (f *fakePanel) DeleteInbound(ctx context.Context, server *models.Server, remoteID int) error {
	delete(f.remote, remoteID)
	f.deletedRemotes = append(f.deletedRemotes, remoteID)
	return nil
}

func (f *fakePanel) AddClient(ctx context.Context, server *models.Server, inboundRemoteID int, clients []map[string]interface{}) (*client.PanelResult, error) {
	f.addCalls = append(f.addCalls, clients)
	if f.addTransportErr != nil {
		return nil, f.addTransportErr
	}
	if len(f.addScripts) > 0 {
		script := f.addScripts[0]
		f.addScripts = f.addScripts[1:]
		return script.result, script.err
	}
	return &client.PanelResult{Success: true, Obj: json.RawMessage(`{"id":1}`)}, nil
}

// ==================== harness ====================

type testEnv struct {
	svc      *ProvisionService
	orders   *fakeOrders
	plans    *fakePlans
	servers  *fakeServers
	inbounds *fakeInbounds
	clients  *fakeClients
	audits   *fakeAudits
	cache    *fakeCache
	notifier *fakeNotifier
	panel    *fakePanel
}

func newTestEnv(plan *models.ServerPlan, quantity int) *testEnv {
	cfg := &config.Config{
		Provisioning: config.ProvisioningConfig{
			PortRangeMin:      20000,
			PortRangeMax:      60000,
			PortPickAttempts:  50,
			AddClientAttempts: 3,
		},
	}

	env := &testEnv{
		orders: &fakeOrders{
			order: &models.Order{
				ID:         "ord-1",
				Number:     "ORD-20260901-0042",
				CustomerID: "cust-1",
				Status:     models.OrderStatusPending,
				Items: []*models.OrderItem{
					{ID: "item-1", OrderID: "ord-1", PlanID: plan.ID, Quantity: quantity},
				},
			},
		},
		plans: &fakePlans{plan: plan},
		servers: &fakeServers{
			server: &models.Server{
				ID:               "srv-1",
				Name:             "fra-01",
				Category:         models.ServerCategoryStandard,
				PublicHost:       "fra01.example.net",
				SubscriptionPort: 2096,
				IsHealthy:        true,
				Enabled:          true,
			},
		},
		inbounds: newFakeInbounds(),
		clients:  &fakeClients{},
		audits:   &fakeAudits{},
		cache:    &fakeCache{},
		notifier: &fakeNotifier{},
		panel:    newFakePanel(),
	}

	inboundSvc := NewInboundService(cfg, env.inbounds, env.panel)
	env.svc = NewProvisionService(cfg,
		env.orders, env.plans, env.servers, env.inbounds, env.clients, env.audits,
		inboundSvc, env.panel, env.cache, env.notifier)
	env.svc.sleep = func(time.Duration) {}

	return env
}

func sharedPlan() *models.ServerPlan {
	return &models.ServerPlan{
		ID:           "plan-1",
		ServerID:     "srv-1",
		Name:         "Shared VLESS 100GB",
		Protocol:     protocol.ProtocolVless,
		Category:     models.PlanCategoryMultiple,
		DataLimitGB:  100,
		DurationDays: 30,
		Enabled:      true,
	}
}

func dedicatedPlan() *models.ServerPlan {
	return &models.ServerPlan{
		ID:           "plan-1",
		ServerID:     "srv-1",
		Name:         "Dedicated VLESS",
		Protocol:     protocol.ProtocolVless,
		Category:     models.PlanCategorySingle,
		DataLimitGB:  500,
		DurationDays: 30,
		Enabled:      true,
	}
}

func (env *testEnv) addSharedInbound() *models.ServerInbound {
	remoteID := 7
	in := &models.ServerInbound{
		ID:       "in-shared",
		ServerID: "srv-1",
		RemoteID: &remoteID,
		Port:     443,
		Protocol: protocol.ProtocolVless,
		Enabled:  true,
	}
	env.inbounds.byID[in.ID] = in
	env.inbounds.shared = in
	return in
}

// ==================== tests ====================

func TestProvisionOrderSharedAllUnitsSucceed(t *testing.T) {
	env := newTestEnv(sharedPlan(), 3)
	env.addSharedInbound()

	resp, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCompleted, resp.OrderStatus)
	assert.Equal(t, models.OrderStatusCompleted, env.orders.order.Status)

	require.Contains(t, resp.Items, "item-1")
	summary := resp.Items["item-1"]
	assert.Equal(t, 3, summary.QuantityRequested)
	assert.Equal(t, 3, summary.QuantityProvisioned)

	assert.Len(t, env.clients.created, 3)
	for _, sc := range env.clients.created {
		assert.False(t, sc.Synthesized)
		assert.True(t, sc.Active)
		assert.NotEmpty(t, sc.ConnectionLink)
		assert.NotEmpty(t, sc.SubscriptionLink)
	}

	assert.Equal(t, 3, env.plans.increments)
	assert.Equal(t, 3, env.inbounds.increments["in-shared"])
	assert.Len(t, env.panel.addCalls, 3)

	require.Len(t, env.audits.rows, 3)
	for _, row := range env.audits.rows {
		assert.Equal(t, models.ProvisionStatusCompleted, row.ProvisionStatus)
		assert.Equal(t, 1, row.Attempts)
		assert.NotNil(t, row.Config)
	}

	require.Len(t, env.notifier.events, 1)
	assert.Equal(t, models.OrderStatusCompleted, env.notifier.events[0].OrderStatus)
	assert.Equal(t, []string{"cust-1"}, env.cache.invalidated)
	assert.Equal(t, models.OrderStatusCompleted, env.cache.statuses["ord-1"])
}

func TestProvisionOrderNoInboundIsDispute(t *testing.T) {
	env := newTestEnv(sharedPlan(), 3)
	env.inbounds.reserveErr = repository.ErrNoFreePort

	resp, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusDispute, resp.OrderStatus)
	assert.Empty(t, env.clients.created)
	assert.Zero(t, env.plans.increments)

	summary := resp.Items["item-1"]
	require.Len(t, summary.Clients, 3)
	for _, unit := range summary.Clients {
		assert.False(t, unit.Success)
		assert.Equal(t, "No suitable inbound available", unit.Error)
	}

	require.Len(t, env.audits.rows, 3)
	for _, row := range env.audits.rows {
		assert.Equal(t, models.ProvisionStatusFailed, row.ProvisionStatus)
		require.NotNil(t, row.ErrorMessage)
		assert.Equal(t, "No suitable inbound available", *row.ErrorMessage)
	}

	// The callback fires even for a fully failed run.
	require.Len(t, env.notifier.events, 1)
	assert.Equal(t, models.OrderStatusDispute, env.notifier.events[0].OrderStatus)
}

func TestProvisionOrderDedicatedAdoptsBootstrapClient(t *testing.T) {
	env := newTestEnv(dedicatedPlan(), 2)

	resp, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCompleted, resp.OrderStatus)
	require.Len(t, env.clients.created, 2)

	// One listener created for the whole item.
	require.Len(t, env.panel.createReqs, 1)

	// The first unit rides the bootstrap client embedded in the create
	// payload; only the second needs a remote add.
	require.Len(t, env.panel.addCalls, 1)

	var settings protocol.VlessSettings
	require.NoError(t, json.Unmarshal([]byte(env.panel.createReqs[0].Settings), &settings))
	require.Len(t, settings.Clients, 1)
	assert.Equal(t, env.clients.created[0].ClientID, settings.Clients[0]["id"])

	// Both clients landed on the same freshly created listener.
	assert.Equal(t, env.clients.created[0].InboundID, env.clients.created[1].InboundID)
	created := env.inbounds.byID[env.clients.created[0].InboundID]
	require.NotNil(t, created)
	assert.True(t, created.Dedicated)
	assert.True(t, created.Enabled)
	assert.NotNil(t, created.RemoteID)
	assert.Equal(t, 2, created.ClientCount)
}

func TestProvisionOrderDedicatedSimplifiedRetry(t *testing.T) {
	env := newTestEnv(dedicatedPlan(), 1)
	env.panel.failCreateOnce = true

	resp, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCompleted, resp.OrderStatus)
	require.Len(t, env.panel.createReqs, 2)
	assert.JSONEq(t, string(protocol.DefaultStreamSettings()), env.panel.createReqs[1].StreamSettings)
}

func TestProvisionOrderDedicatedHealthCheckRollsBack(t *testing.T) {
	env := newTestEnv(dedicatedPlan(), 1)
	env.panel.breakSniffing = true

	resp, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusDispute, resp.OrderStatus)
	assert.Empty(t, env.clients.created)

	// Remote listener deleted and local placeholder removed.
	assert.Len(t, env.panel.deletedRemotes, 1)
	assert.NotEmpty(t, env.inbounds.deleted)
	assert.Empty(t, env.inbounds.byID)
}

func TestAddClientRetriesDuplicateEmail(t *testing.T) {
	env := newTestEnv(sharedPlan(), 1)
	env.addSharedInbound()
	env.panel.addScripts = []addScript{
		{result: &client.PanelResult{Success: false, Msg: "Duplicate email: u1@clients.proxy-mail.net"}},
	}

	resp, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCompleted, resp.OrderStatus)
	require.Len(t, env.panel.addCalls, 2)

	first := env.panel.addCalls[0][0]
	second := env.panel.addCalls[1][0]
	assert.NotEqual(t, first["email"], second["email"], "identity must be regenerated after duplicate email")
	assert.NotEqual(t, first["id"], second["id"])

	require.Len(t, env.clients.created, 1)
	assert.False(t, env.clients.created[0].Synthesized)

	require.Len(t, env.audits.rows, 1)
	assert.Equal(t, 2, env.audits.rows[0].Attempts)
}

func TestAddClientRetriesEmptyClientID(t *testing.T) {
	env := newTestEnv(sharedPlan(), 1)
	env.addSharedInbound()
	env.panel.addScripts = []addScript{
		{result: &client.PanelResult{Success: false, Msg: "Empty client ID"}},
	}

	resp, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCompleted, resp.OrderStatus)
	require.Len(t, env.panel.addCalls, 2)

	first := env.panel.addCalls[0][0]
	second := env.panel.addCalls[1][0]
	assert.NotEqual(t, first["id"], second["id"])
	assert.Equal(t, first["email"], second["email"], "email survives an id-only regeneration")
}

func TestAddClientSynthesizesOnUnrecoverableRejection(t *testing.T) {
	env := newTestEnv(sharedPlan(), 1)
	env.addSharedInbound()
	env.panel.addScripts = []addScript{
		{result: &client.PanelResult{Success: false, Msg: "inbound settings corrupt"}},
	}

	resp, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
	require.NoError(t, err)

	// The paid unit still yields a record with links; support reconciles
	// the panel later.
	assert.Equal(t, models.OrderStatusCompleted, resp.OrderStatus)
	require.Len(t, env.panel.addCalls, 1, "unrecoverable rejection must not burn retries")

	require.Len(t, env.clients.created, 1)
	sc := env.clients.created[0]
	assert.True(t, sc.Synthesized)
	require.NotNil(t, sc.RemoteError)
	assert.Equal(t, "inbound settings corrupt", *sc.RemoteError)
	assert.NotEmpty(t, sc.ConnectionLink)

	summary := resp.Items["item-1"]
	require.Len(t, summary.Clients, 1)
	assert.True(t, summary.Clients[0].Success)
	assert.True(t, summary.Clients[0].Synthesized)
}

func TestAddClientTransportFailureFailsUnit(t *testing.T) {
	env := newTestEnv(sharedPlan(), 1)
	env.addSharedInbound()
	env.panel.addTransportErr = fmt.Errorf("connection refused")

	resp, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusDispute, resp.OrderStatus)
	assert.Empty(t, env.clients.created)
	assert.Len(t, env.panel.addCalls, 3, "transport errors are retried up to the budget")

	// Panel unreachable flags the server for the health checker.
	require.NotEmpty(t, env.servers.healthMarks)
	assert.False(t, env.servers.healthMarks[len(env.servers.healthMarks)-1])

	require.Len(t, env.audits.rows, 1)
	assert.Equal(t, models.ProvisionStatusFailed, env.audits.rows[0].ProvisionStatus)
	assert.Equal(t, 3, env.audits.rows[0].Attempts)
	require.NotNil(t, env.audits.rows[0].ErrorMessage)
	assert.Contains(t, *env.audits.rows[0].ErrorMessage, "panel unreachable")
}

func TestCompletedOrderNeverDowngrades(t *testing.T) {
	env := newTestEnv(sharedPlan(), 1)
	env.addSharedInbound()
	env.orders.order.Status = models.OrderStatusCompleted
	env.panel.addTransportErr = fmt.Errorf("connection refused")

	resp, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCompleted, resp.OrderStatus)
	assert.Equal(t, models.OrderStatusCompleted, env.orders.order.Status)
}

func TestProvisionOrderPreChecks(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(env *testEnv)
		wantErr string
	}{
		{
			name:    "disabled plan",
			mutate:  func(env *testEnv) { env.plans.plan.Enabled = false },
			wantErr: "plan is disabled",
		},
		{
			name: "plan at capacity",
			mutate: func(env *testEnv) {
				env.plans.plan.MaxClients = 2
				env.plans.plan.ProvisionedCount = 2
			},
			wantErr: "plan is at capacity",
		},
		{
			name:    "disabled server",
			mutate:  func(env *testEnv) { env.servers.server.Enabled = false },
			wantErr: "server is disabled",
		},
		{
			name: "unhealthy server stays unreachable",
			mutate: func(env *testEnv) {
				env.servers.server.IsHealthy = false
				env.panel.listErr = fmt.Errorf("connection refused")
			},
			wantErr: "server is unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(sharedPlan(), 1)
			env.addSharedInbound()
			tt.mutate(env)

			resp, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
			require.NoError(t, err)

			assert.Equal(t, models.OrderStatusDispute, resp.OrderStatus)
			assert.Empty(t, env.clients.created)
			assert.Empty(t, env.panel.addCalls, "pre-check failures must not touch the panel")

			summary := resp.Items["item-1"]
			require.Len(t, summary.Clients, 1)
			assert.Equal(t, tt.wantErr, summary.Clients[0].Error)
		})
	}
}

func TestUnhealthyServerRecoversAfterProbe(t *testing.T) {
	env := newTestEnv(sharedPlan(), 1)
	env.addSharedInbound()
	env.servers.server.IsHealthy = false

	resp, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCompleted, resp.OrderStatus)
	assert.Len(t, env.clients.created, 1)
	require.NotEmpty(t, env.servers.healthMarks)
	assert.True(t, env.servers.healthMarks[0], "reachable panel must clear the unhealthy flag")
}

func TestProvisionOrderSkipPreChecks(t *testing.T) {
	env := newTestEnv(sharedPlan(), 1)
	env.addSharedInbound()
	env.servers.server.IsHealthy = false

	resp, err := env.svc.ProvisionOrder(context.Background(), "ord-1", true)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCompleted, resp.OrderStatus)
	assert.Len(t, env.clients.created, 1)
}

func TestProvisionOrderZeroQuantityTreatedAsOne(t *testing.T) {
	env := newTestEnv(sharedPlan(), 0)
	env.addSharedInbound()

	resp, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCompleted, resp.OrderStatus)
	assert.Len(t, env.clients.created, 1)
	assert.Equal(t, 1, resp.Items["item-1"].QuantityRequested)
}

func TestProvisionOrderCancelledRejected(t *testing.T) {
	env := newTestEnv(sharedPlan(), 1)
	env.orders.order.Status = models.OrderStatusCancelled

	_, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
	assert.Error(t, err)
	assert.Empty(t, env.notifier.events)
}

func TestProvisionOrderNotFound(t *testing.T) {
	env := newTestEnv(sharedPlan(), 1)

	_, err := env.svc.ProvisionOrder(context.Background(), "missing", false)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestGetOrderClientsCarriesProtocol(t *testing.T) {
	env := newTestEnv(sharedPlan(), 2)
	env.addSharedInbound()

	_, err := env.svc.ProvisionOrder(context.Background(), "ord-1", false)
	require.NoError(t, err)

	clients, err := env.svc.GetOrderClients(context.Background(), "ord-1")
	require.NoError(t, err)
	require.Len(t, clients, 2)
	for _, c := range clients {
		assert.Equal(t, protocol.ProtocolVless, c.Protocol)
		assert.InDelta(t, 100.0, c.TrafficLimitGB, 0.01)
	}
}
