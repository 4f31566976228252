package orders

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/BearBump/Fulfillment/internal/storage/memfulfillment"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type cacheMock struct {
	mock.Mock
}

func (m *cacheMock) Get(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	b, _ := args.Get(0).([]byte)
	return b, args.Bool(1), args.Error(2)
}

func (m *cacheMock) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}

func (m *cacheMock) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type ServiceSuite struct {
	suite.Suite

	repo  *memfulfillment.Storage
	cache *cacheMock
	svc   *Service
}

func (s *ServiceSuite) SetupTest() {
	s.repo = memfulfillment.New()
	s.cache = &cacheMock{}
	s.svc = New(s.repo, s.cache, nil, nil, Config{ViewTTL: 10 * time.Minute})
}

func (s *ServiceSuite) TestGet_CacheHitSkipsRepo() {
	id := uuid.New()
	v := OrderView{Order: &models.Order{ID: id, QuoteID: "q-cached"}}
	b, err := json.Marshal(v)
	s.Require().NoError(err)

	s.cache.On("Get", mock.Anything, viewKey(id)).Return(b, true, nil).Once()

	got, err := s.svc.Get(context.Background(), id)
	s.Require().NoError(err)
	s.Require().Equal("q-cached", got.Order.QuoteID)
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGet_CacheErrorFallsBackToRepo() {
	ctx := context.Background()
	o := &models.Order{ID: uuid.New(), QuoteID: "q-db", Status: models.OrderStatusProcessing}
	_, _, err := s.repo.CreateOrder(ctx, o, nil)
	s.Require().NoError(err)

	s.cache.On("Get", mock.Anything, viewKey(o.ID)).Return(nil, false, errors.New("redis down")).Once()
	s.cache.On("Set", mock.Anything, viewKey(o.ID), mock.Anything, 10*time.Minute).Return(nil).Once()

	got, err := s.svc.Get(ctx, o.ID)
	s.Require().NoError(err)
	s.Require().Equal("q-db", got.Order.QuoteID)
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestRecompute_DeletesView() {
	ctx := context.Background()
	o := &models.Order{ID: uuid.New(), QuoteID: "q-1"}
	_, _, err := s.repo.CreateOrder(ctx, o, nil)
	s.Require().NoError(err)

	s.cache.On("Delete", mock.Anything, viewKey(o.ID)).Return(nil).Once()
	s.Require().NoError(s.svc.RecomputeCounters(ctx, o.ID))
	s.cache.AssertExpectations(s.T())
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
