package di

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/recond/internal/config"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestProviderBuildsFullGraph(t *testing.T) {
	container := New()
	provider := NewProvider(container, memoryConfig(t))
	require.NoError(t, provider.RegisterAll())

	// Every registered service must build on the memory backends.
	for _, name := range []string{
		ServiceLogger, ServiceMetrics, ServiceAlerter,
		ServiceStore, ServiceArchive, ServiceIdem, ServiceDeadLetter,
		ServiceBus, ServiceResolver, ServiceParsers, ServiceFX,
		ServiceIntake, ServiceSweeper, ServiceNormalizer, ServiceIngestor,
		ServiceMatching, ServicePoster, ServiceReprocess,
		ServicePipeline, ServiceHTTPServer,
	} {
		svc, err := container.Get(name)
		require.NoError(t, err, "building %s", name)
		assert.NotNil(t, svc, "service %s", name)
	}

	require.NoError(t, provider.Close(context.Background()))
}

func TestProviderCloseSkipsUnbuilt(t *testing.T) {
	container := New()
	provider := NewProvider(container, memoryConfig(t))
	require.NoError(t, provider.RegisterAll())

	// Nothing was built; Close must not trigger any builder.
	require.NoError(t, provider.Close(context.Background()))
	_, built := container.Built(ServiceStore)
	assert.False(t, built)
}

func TestContainerNestedBuild(t *testing.T) {
	// Builders resolve their own dependencies through Get on the same
	// goroutine; the container must not hold its lock across a build.
	container := New()
	container.RegisterBuilder("leaf", func(c *Container) (interface{}, error) {
		return "leaf", nil
	})
	container.RegisterBuilder("mid", func(c *Container) (interface{}, error) {
		dep, err := c.Get("leaf")
		if err != nil {
			return nil, err
		}
		return "mid:" + dep.(string), nil
	})
	container.RegisterBuilder("root", func(c *Container) (interface{}, error) {
		dep, err := c.Get("mid")
		if err != nil {
			return nil, err
		}
		return "root:" + dep.(string), nil
	})

	svc, err := container.Get("root")
	require.NoError(t, err)
	assert.Equal(t, "root:mid:leaf", svc)
}

func TestContainerLazyBuild(t *testing.T) {
	container := New()
	built := 0
	container.RegisterBuilder("thing", func(c *Container) (interface{}, error) {
		built++
		return struct{}{}, nil
	})

	_, ok := container.Built("thing")
	assert.False(t, ok)

	_, err := container.Get("thing")
	require.NoError(t, err)
	_, err = container.Get("thing")
	require.NoError(t, err)
	assert.Equal(t, 1, built, "builder runs once")
}
