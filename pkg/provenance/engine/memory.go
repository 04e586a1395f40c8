package engine

import (
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
)

const (
	operationMmapRead  = "mmap_read"
	operationMmapWrite = "mmap_write"
)

// handleMmap links the mapped region to the process and, for file backed
// mappings, to the file.
func (e *Engine) handleMmap(ev *event.Event) error {
	if !e.cfg.UseMemorySyscalls {
		return nil
	}
	address, err := ev.Exit()
	if err != nil {
		return err
	}
	length, err := ev.Arg(1)
	if err != nil {
		return err
	}
	protection, err := ev.Arg(2)
	if err != nil {
		return err
	}
	flags, err := ev.Arg(3)
	if err != nil {
		return err
	}
	anonymous := flags&mapAnonymous == mapAnonymous
	if anonymous && !e.cfg.AnonymousMmap {
		return nil
	}

	b := e.newBatch(ev)
	s := e.actor(b, ev)
	memory := artifact.Memory{Tgid: s.MemoryTgid, Address: event.FormatHex(address), Size: event.FormatHex(length)}
	e.epochs.ArtifactVersioned(memory)
	memoryVertex := b.artifact(memory)
	b.edge(graph.WasGeneratedBy, memoryVertex, b.process(s), e.operation(operationMmapWrite, ""),
		map[string]string{graph.AnnotationProtection: event.FormatHex(protection)})

	if anonymous {
		b.commit()
		return nil
	}
	fd, err := ev.Int(event.KeyFD)
	if err != nil {
		logger.L().Info("mmap without descriptor",
			helpers.String("eventId", ev.EventID),
			helpers.String("pid", s.PID))
		b.commit()
		return nil
	}
	file := e.fdOrUnknown(s, fd)
	fileVertex := b.artifact(file)
	b.edge(graph.Used, b.process(s), fileVertex, e.operation(operationMmapRead, ""), nil)
	b.edge(graph.WasDerivedFrom, memoryVertex, fileVertex, e.operation(ev.Syscall(), ""),
		map[string]string{graph.AnnotationPID: s.PID})
	b.commit()
	return nil
}

func (e *Engine) handleMprotect(ev *event.Event) error {
	if !e.cfg.UseMemorySyscalls {
		return nil
	}
	address, err := ev.Arg(0)
	if err != nil {
		return err
	}
	length, err := ev.Arg(1)
	if err != nil {
		return err
	}
	protection, err := ev.Arg(2)
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	memory := artifact.Memory{Tgid: s.MemoryTgid, Address: event.FormatHex(address), Size: event.FormatHex(length)}
	e.epochs.ArtifactVersioned(memory)
	b.edge(graph.WasGeneratedBy, b.artifact(memory), b.process(s), e.operation(ev.Syscall(), ""),
		map[string]string{graph.AnnotationProtection: event.FormatHex(protection)})
	b.commit()
	return nil
}

func (e *Engine) handleMadvise(ev *event.Event) error {
	if !e.cfg.UseMemorySyscalls {
		return nil
	}
	address, err := ev.Arg(0)
	if err != nil {
		return err
	}
	length, err := ev.Arg(1)
	if err != nil {
		return err
	}
	adviceValue, err := ev.Arg(2)
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	advice, ok := madviseAdvice[adviceValue]
	if !ok {
		logger.L().Warning("unknown madvise advice",
			helpers.String("eventId", ev.EventID),
			helpers.String("pid", s.PID),
			helpers.Interface("advice", adviceValue))
		b.commit()
		return nil
	}
	memory := artifact.Memory{Tgid: s.MemoryTgid, Address: event.FormatHex(address), Size: event.FormatHex(length)}
	b.edge(graph.WasGeneratedBy, b.artifact(memory), b.process(s), e.operation(ev.Syscall(), ""),
		map[string]string{graph.AnnotationAdvice: advice})
	b.commit()
	return nil
}
