// Package mocks provides gomock implementations of the core ports for service tests.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	jobs := mocks.NewMockJobRepository(ctrl)
//	jobs.EXPECT().GetByID(gomock.Any(), "id").Return(job, nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/target/listingsync/internal/core JobRepository

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=crawler_mock.go github.com/target/listingsync/internal/core Crawler

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=geocoder_mock.go github.com/target/listingsync/internal/core Geocoder
